package trial

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mooretm/yes-no/internal/fault"
)

func writeMatrix(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "matrix.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMatrix(t *testing.T) {
	path := writeMatrix(t, "file,level,expected\ntone.wav,65,yes\nsilence.wav, 60.5 ,NO\nweak.wav,40,\n")

	specs, err := LoadMatrix(path, "/stim")
	require.NoError(t, err)
	require.Len(t, specs, 3)
	assert.Equal(t, Spec{StimulusPath: filepath.Join("/stim", "tone.wav"), Level: 65, Expected: Yes}, specs[0])
	assert.Equal(t, 60.5, specs[1].Level)
	assert.Equal(t, No, specs[1].Expected)
	assert.Equal(t, Absent, specs[2].Expected)
	assert.Equal(t, "silence.wav", specs[1].StimulusName())
	assert.True(t, Labelled(specs))
}

func TestLoadMatrixWithoutLabels(t *testing.T) {
	specs, err := LoadMatrix(writeMatrix(t, "file,level\na.wav,50\n"), "")
	require.NoError(t, err)
	assert.Equal(t, Absent, specs[0].Expected)
	assert.False(t, Labelled(specs))
}

func TestLoadMatrixErrors(t *testing.T) {
	_, err := LoadMatrix(filepath.Join(t.TempDir(), "missing.csv"), "")
	require.ErrorIs(t, err, fault.NotFound)

	cases := map[string]string{
		"empty":      "",
		"one column": "file\na.wav\n",
		"bad level":  "file,level\na.wav,loud\n",
		"bad label":  "file,level,expected\na.wav,50,maybe\n",
		"no rows":    "file,level\n",
		"short row":  "file,level\na.wav\n",
		"blank stim": "file,level\n,50\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadMatrix(writeMatrix(t, body), "")
			require.ErrorIs(t, err, fault.FormatError)
		})
	}
}

func rows() []Spec {
	return []Spec{
		{StimulusPath: "a.wav", Level: 50, Expected: Yes},
		{StimulusPath: "b.wav", Level: 55, Expected: No},
		{StimulusPath: "c.wav", Level: 60},
	}
}

func key(s Spec) string { return s.StimulusPath }

func TestBuildRepeatsInOrder(t *testing.T) {
	got, err := Build(rows(), 2, false, nil)
	require.NoError(t, err)
	assert.Equal(t, append(rows(), rows()...), got)
}

func TestBuildRandomizeIsPermutation(t *testing.T) {
	want := append(rows(), rows()...)
	for seed := uint64(1); seed <= 20; seed++ {
		got, err := Build(rows(), 2, true, rand.New(rand.NewPCG(seed, seed)))
		require.NoError(t, err)
		require.Len(t, got, 6)

		a := make([]string, 0, 6)
		b := make([]string, 0, 6)
		for i := range got {
			a = append(a, key(got[i]))
			b = append(b, key(want[i]))
		}
		slices.Sort(a)
		slices.Sort(b)
		assert.Equal(t, b, a)
	}
}

func TestBuildIsReproducibleForASeed(t *testing.T) {
	a, err := Build(rows(), 3, true, rand.New(rand.NewPCG(7, 9)))
	require.NoError(t, err)
	b, err := Build(rows(), 3, true, rand.New(rand.NewPCG(7, 9)))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestBuildRejectsBadInput(t *testing.T) {
	_, err := Build(rows(), 0, false, nil)
	require.ErrorIs(t, err, fault.Config)
	_, err = Build(rows(), 1, true, nil)
	require.ErrorIs(t, err, fault.Config)
}

func TestSequencer(t *testing.T) {
	trials, err := Build(rows(), 1, false, nil)
	require.NoError(t, err)
	seq := NewSequencer(trials)

	var seen []string
	assert.Equal(t, "Trial 1 of 3", seq.Label())
	for {
		cur, err := seq.Current()
		require.NoError(t, err)
		seen = append(seen, cur.StimulusPath)
		if !seq.Advance() {
			break
		}
	}
	assert.Equal(t, "a.wav b.wav c.wav", strings.Join(seen, " "))
	assert.True(t, seq.Done())
	assert.Equal(t, 3, seq.Index())

	_, err = seq.Current()
	require.ErrorIs(t, err, fault.OutOfRange)
	assert.False(t, seq.Advance())
	assert.Equal(t, 3, seq.Index(), "cursor is bounded by the trial count")
}
