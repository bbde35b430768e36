package history

import (
	"os"
	"path/filepath"
	"testing"

	"bidfetch/internal/components/telemetry"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestOpenMissing(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "downloadHistory.json"), &telemetry.Recorder{})
	require.NoError(t, err)
	require.Equal(t, 0, s.Len())
	require.False(t, s.Has("A1"))
}

func TestOpenCorrupt(t *testing.T) {
	table := []struct {
		name     string
		contents string
	}{
		{name: "not json", contents: `{"contractId": `},
		{name: "object", contents: `{"contractId": "A1"}`},
		{name: "missing id", contents: `[{"contractName": "Bridge Repair"}]`},
		{name: "duplicate id", contents: `[{"contractId": "A1"}, {"contractId": "A1"}]`},
	}

	for _, row := range table {
		t.Run(row.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "downloadHistory.json")
			require.NoError(t, os.WriteFile(path, []byte(row.contents), 0644))

			_, err := Open(path, &telemetry.Recorder{})
			require.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestOpenUnreadable(t *testing.T) {
	// a directory fails to read with something other than not-exist
	path := filepath.Join(t.TempDir(), "downloadHistory.json")
	require.NoError(t, os.Mkdir(path, 0755))

	rec := &telemetry.Recorder{}
	s, err := Open(path, rec)
	require.NoError(t, err)
	require.Equal(t, 0, s.Len())
	require.False(t, s.Has("A1"))
	require.True(t, rec.Has("broken", report_store_open))
}

func TestOpenEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloadHistory.json")
	require.NoError(t, os.WriteFile(path, []byte("\n"), 0644))

	rec := &telemetry.Recorder{}
	s, err := Open(path, rec)
	require.NoError(t, err)
	require.Equal(t, 0, s.Len())
	require.True(t, rec.Has("warning", report_store_open))
}

func TestAppendAndFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "downloadHistory.json")
	s, err := Open(path, &telemetry.Recorder{})
	require.NoError(t, err)

	require.NoError(t, s.Append(ContractRecord{
		ContractID:    "A1",
		ContractName:  "Bridge Repair",
		Downloaded:    []string{"01+入札公告.pdf"},
		NotDownloaded: []string{"設計書.pdf"},
	}))
	require.NoError(t, s.Append(ContractRecord{
		ContractID:   "A2",
		ContractName: "Road Survey",
	}))
	err = s.Append(ContractRecord{ContractID: "A1"})
	require.ErrorIs(t, err, ErrDuplicate)
	require.Error(t, s.Append(ContractRecord{}))

	require.NoError(t, s.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	expected := `[
  {
    "contractId": "A1",
    "contractName": "Bridge Repair",
    "downloaded": [
      "01+入札公告.pdf"
    ],
    "notDownloaded": [
      "設計書.pdf"
    ]
  },
  {
    "contractId": "A2",
    "contractName": "Road Survey",
    "downloaded": [],
    "notDownloaded": []
  }
]
`
	require.Equal(t, expected, string(data))

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))

	reopened, err := Open(path, &telemetry.Recorder{})
	require.NoError(t, err)
	diff := cmp.Diff(s.Records(), reopened.Records())
	if diff != "" {
		t.Fatal(diff)
	}
}

func TestFlushEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloadHistory.json")
	s, err := Open(path, &telemetry.Recorder{})
	require.NoError(t, err)
	require.NoError(t, s.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "[]\n", string(data))
}

func TestOpenNullLists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloadHistory.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"contractId": "A1", "contractName": "x", "downloaded": null}]`), 0644))

	s, err := Open(path, &telemetry.Recorder{})
	require.NoError(t, err)
	r, ok := s.Get("A1")
	require.True(t, ok)
	require.NotNil(t, r.Downloaded)
	require.NotNil(t, r.NotDownloaded)
}

func TestAppendCopiesLists(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "h.json"), &telemetry.Recorder{})
	require.NoError(t, err)

	downloaded := []string{"a.pdf"}
	require.NoError(t, s.Append(ContractRecord{ContractID: "A1", Downloaded: downloaded}))
	downloaded[0] = "changed.pdf"

	r, _ := s.Get("A1")
	require.Equal(t, []string{"a.pdf"}, r.Downloaded)
}
