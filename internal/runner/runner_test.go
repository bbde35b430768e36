package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bidfetch/internal/components/chrono"
	"bidfetch/internal/components/telemetry"
	"bidfetch/internal/history"
	"bidfetch/internal/keyword"
	"bidfetch/internal/portal"
	"bidfetch/internal/tracker"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// outcomes of a fake download click
const (
	complete = "complete"
	cancel   = "cancel"
	hang     = "hang"
)

type fakeSession struct {
	listing   []history.ContractSummary
	documents map[string][]keyword.Document
	// outcome is keyed by document name, unknown names complete
	outcome map[string]string

	probeErr error
	openErr  error
	// openContractErr is keyed by contract id
	openContractErr map[string]error
	backErr         error

	sink   portal.DownloadSink
	dir    string
	calls  []string
	closed bool
	next   int
}

var _ portal.Session = (*fakeSession)(nil)

func (f *fakeSession) Probe(ctx context.Context) error {
	f.calls = append(f.calls, "probe")
	return f.probeErr
}

func (f *fakeSession) Open(ctx context.Context) error {
	f.calls = append(f.calls, "open")
	return f.openErr
}

func (f *fakeSession) Search(ctx context.Context) ([]history.ContractSummary, error) {
	f.calls = append(f.calls, "search")
	return f.listing, nil
}

func (f *fakeSession) OpenContract(ctx context.Context, contract history.ContractSummary, downloadDir string) ([]keyword.Document, error) {
	f.calls = append(f.calls, "open-contract "+contract.ContractID)
	if err := f.openContractErr[contract.ContractID]; err != nil {
		return nil, err
	}
	err := os.MkdirAll(downloadDir, 0755)
	if err != nil {
		return nil, err
	}
	f.dir = downloadDir
	return f.documents[contract.ContractID], nil
}

func (f *fakeSession) Subscribe(sink portal.DownloadSink) func() {
	f.sink = sink
	return func() { f.sink = nil }
}

func (f *fakeSession) Download(ctx context.Context, document keyword.Document) error {
	f.calls = append(f.calls, "download "+document.Name)
	f.next++
	id := fmt.Sprintf("guid-%d", f.next)

	f.sink.OnBegin(id, document.Name)
	switch f.outcome[document.Name] {
	case hang:
	case cancel:
		f.sink.OnProgress(id, tracker.DownloadCanceled)
	default:
		err := os.WriteFile(filepath.Join(f.dir, document.Name), []byte("%PDF"), 0644)
		if err != nil {
			return err
		}
		f.sink.OnProgress(id, tracker.DownloadCompleted)
	}
	return nil
}

func (f *fakeSession) Back(ctx context.Context) error {
	f.calls = append(f.calls, "back")
	return f.backErr
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

type mail struct {
	subject string
	body    string
}

type fakeNotifier struct {
	sent []mail
}

func (n *fakeNotifier) Send(ctx context.Context, subject, body string) error {
	n.sent = append(n.sent, mail{subject: subject, body: body})
	return nil
}

var runDate = time.Date(2024, time.April, 1, 9, 0, 0, 0, chrono.Tokyo())

type harness struct {
	runner   *Runner
	session  *fakeSession
	notifier *fakeNotifier
	store    *history.Store
	rec      *telemetry.Recorder
	dataDir  string
}

func newHarness(t *testing.T, session *fakeSession, existing []history.ContractRecord, onlyNew bool) harness {
	t.Helper()

	root := t.TempDir()
	rec := &telemetry.Recorder{}
	store, err := history.Open(filepath.Join(root, "history", "history.json"), rec)
	require.NoError(t, err)
	for _, r := range existing {
		require.NoError(t, store.Append(r))
	}

	notifier := &fakeNotifier{}
	dataDir := filepath.Join(root, "data")
	r := New(Options{
		DataDir:  dataDir,
		Keywords: []string{"入札公告", "位置図"},
		OnlyNew:  onlyNew,
	}, session, store, notifier, chrono.FixedTime(runDate), rec)
	r.timeout = func(time.Duration) time.Duration { return 50 * time.Millisecond }

	return harness{
		runner:   r,
		session:  session,
		notifier: notifier,
		store:    store,
		rec:      rec,
		dataDir:  dataDir,
	}
}

func readHistory(t *testing.T, store *history.Store) []history.ContractRecord {
	t.Helper()
	reread, err := history.Open(store.Path(), &telemetry.Recorder{})
	require.NoError(t, err)
	return reread.Records()
}

func TestRunDownloadsNewContracts(t *testing.T) {
	session := &fakeSession{
		listing: []history.ContractSummary{
			{ContractID: "A0", ContractName: "既存案件"},
			{ContractID: "A1", ContractName: "橋梁補修設計"},
			{ContractID: "A2", ContractName: "道路測量"},
		},
		documents: map[string][]keyword.Document{
			"A1": {
				{Name: "01+入札公告.pdf", Href: "javascript:download(1)"},
				{Name: "設計書.pdf", Href: "javascript:download(2)"},
				{Name: "02+位置図.pdf", Href: "javascript:download(3)"},
			},
			"A2": {
				{Name: "仕様書.pdf", Href: "javascript:download(1)"},
			},
		},
	}
	existing := []history.ContractRecord{{
		ContractID:    "A0",
		ContractName:  "既存案件",
		Downloaded:    []string{},
		NotDownloaded: []string{},
	}}
	h := newHarness(t, session, existing, false)

	result, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, result.RunID)
	require.Equal(t, 2, result.Processed)
	require.Empty(t, result.Failed)
	require.True(t, session.closed)

	expectedHistory := []history.ContractRecord{
		existing[0],
		{
			ContractID:    "A1",
			ContractName:  "橋梁補修設計",
			Downloaded:    []string{"01+入札公告.pdf", "02+位置図.pdf"},
			NotDownloaded: []string{"設計書.pdf"},
		},
		{
			ContractID:    "A2",
			ContractName:  "道路測量",
			Downloaded:    []string{},
			NotDownloaded: []string{"仕様書.pdf"},
		},
	}
	if diff := cmp.Diff(expectedHistory, readHistory(t, h.store)); diff != "" {
		t.Fatal(diff)
	}

	expectedCalls := []string{
		"probe",
		"open",
		"search",
		"open-contract A1",
		"download 01+入札公告.pdf",
		"download 02+位置図.pdf",
		"back",
		"open-contract A2",
		"back",
	}
	if diff := cmp.Diff(expectedCalls, session.calls); diff != "" {
		t.Fatal(diff)
	}

	require.Len(t, h.notifier.sent, 1)
	sent := h.notifier.sent[0]
	require.Equal(t, "岩手県入札情報DL結果(2024/4/1)", sent.subject)
	require.True(t, strings.HasPrefix(sent.body, "2024/4/1のダウンロード結果"))
	require.Contains(t, sent.body, "橋梁補修設計 (A1)\n【DL済】\n・01+入札公告.pdf\n・02+位置図.pdf\n【未DL】\n・設計書.pdf\n")
	require.NotContains(t, sent.body, "既存案件")
	require.NotContains(t, sent.body, "【エラー情報】")
}

func TestRunOnlyNew(t *testing.T) {
	session := &fakeSession{
		listing: []history.ContractSummary{
			{ContractID: "A1", ContractName: "橋梁補修設計", IsNew: true},
			{ContractID: "A2", ContractName: "道路測量", IsNew: false},
		},
	}
	h := newHarness(t, session, nil, true)

	result, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)
	require.True(t, h.store.Has("A1"))
	require.False(t, h.store.Has("A2"))
}

func TestRunNothingNew(t *testing.T) {
	session := &fakeSession{
		listing: []history.ContractSummary{{ContractID: "A0", ContractName: "既存案件"}},
	}
	existing := []history.ContractRecord{{ContractID: "A0", ContractName: "既存案件"}}
	h := newHarness(t, session, existing, false)

	result, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, result.Processed)
	require.Equal(t, "新規ダウンロードはありませんでした\n\n", h.notifier.sent[0].body)
}

func TestRunTimeoutIsRetriedNextRun(t *testing.T) {
	session := &fakeSession{
		listing: []history.ContractSummary{
			{ContractID: "A1", ContractName: "橋梁補修設計"},
			{ContractID: "A2", ContractName: "道路測量"},
		},
		documents: map[string][]keyword.Document{
			"A1": {{Name: "01+入札公告.pdf"}},
			"A2": {{Name: "入札公告.pdf"}},
		},
		outcome: map[string]string{"01+入札公告.pdf": hang},
	}
	h := newHarness(t, session, nil, false)

	result, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)
	require.False(t, h.store.Has("A1"))
	require.True(t, h.store.Has("A2"))
	require.True(t, h.rec.Has("warning", report_runner_contract))

	report := result.Report
	require.Len(t, report.Contracts, 2)
	require.ErrorIs(t, report.Contracts[0].Err, tracker.ErrTimedOut)
	require.NoError(t, report.Contracts[1].Err)
	require.Contains(t, h.notifier.sent[0].body, "※download timed out")
}

func TestRunCanceledIsFatal(t *testing.T) {
	session := &fakeSession{
		listing: []history.ContractSummary{
			{ContractID: "A1", ContractName: "橋梁補修設計"},
			{ContractID: "A2", ContractName: "道路測量"},
		},
		documents: map[string][]keyword.Document{
			"A1": {{Name: "01+入札公告.pdf"}, {Name: "02+位置図.pdf"}},
		},
		outcome: map[string]string{"01+入札公告.pdf": cancel},
	}
	h := newHarness(t, session, nil, false)

	result, err := h.runner.Run(context.Background())
	require.ErrorIs(t, err, tracker.ErrCanceled)
	require.True(t, session.closed)

	// the second link is never clicked and A2 is never opened
	require.NotContains(t, session.calls, "download 02+位置図.pdf")
	require.NotContains(t, session.calls, "open-contract A2")

	// recorded in memory but history is not written
	require.True(t, h.store.Has("A1"))
	_, statErr := os.Stat(h.store.Path())
	require.True(t, os.IsNotExist(statErr))

	require.ErrorIs(t, result.Report.Fatal, tracker.ErrCanceled)
	require.Len(t, h.notifier.sent, 1)
	require.Contains(t, h.notifier.sent[0].body, "【エラー情報】")
}

func TestRunConnectivityFailure(t *testing.T) {
	session := &fakeSession{
		probeErr: fmt.Errorf("%w: GET top: connection refused", portal.ErrConnectivity),
	}
	h := newHarness(t, session, nil, false)

	result, err := h.runner.Run(context.Background())
	require.ErrorIs(t, err, portal.ErrConnectivity)
	require.Equal(t, []string{"probe"}, session.calls)
	require.False(t, session.closed)
	require.False(t, result.Report.Searched)

	require.Len(t, h.notifier.sent, 1)
	body := h.notifier.sent[0].body
	require.True(t, strings.HasPrefix(body, "\n\n【エラー情報】\n"))
	require.Contains(t, body, "could not connect")
	require.True(t, h.rec.Has("broken", report_runner_run))
}

func TestRunLaunchFailureStillMails(t *testing.T) {
	session := &fakeSession{openErr: errors.New("chrome not found")}
	h := newHarness(t, session, nil, false)

	_, err := h.runner.Run(context.Background())
	require.Error(t, err)
	require.Len(t, h.notifier.sent, 1)
	require.Contains(t, h.notifier.sent[0].body, "chrome not found")
}

func TestRunOpenContractFailureContinues(t *testing.T) {
	session := &fakeSession{
		listing: []history.ContractSummary{
			{ContractID: "A1", ContractName: "橋梁補修設計"},
			{ContractID: "A2", ContractName: "道路測量"},
		},
		openContractErr: map[string]error{"A1": errors.New("link not found")},
	}
	h := newHarness(t, session, nil, false)

	result, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)
	require.False(t, h.store.Has("A1"))
	require.True(t, h.store.Has("A2"))

	expectedCalls := []string{
		"probe",
		"open",
		"search",
		"open-contract A1",
		"search",
		"open-contract A2",
		"back",
	}
	if diff := cmp.Diff(expectedCalls, session.calls); diff != "" {
		t.Fatal(diff)
	}
}

func TestRunBackFailureSearchesAgain(t *testing.T) {
	session := &fakeSession{
		listing: []history.ContractSummary{{ContractID: "A1", ContractName: "橋梁補修設計"}},
		backErr: errors.New("back button missing"),
	}
	h := newHarness(t, session, nil, false)

	_, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"probe", "open", "search", "open-contract A1", "back", "search"}, session.calls)
}

func TestRunReportsMissingFiles(t *testing.T) {
	session := &fakeSession{
		listing: []history.ContractSummary{{ContractID: "A1", ContractName: "橋梁補修設計"}},
		documents: map[string][]keyword.Document{
			"A1": {{Name: "01+入札公告.pdf"}},
		},
	}
	existing := []history.ContractRecord{{
		ContractID:    "A0",
		ContractName:  "既存案件",
		Downloaded:    []string{"01+入札公告.pdf"},
		NotDownloaded: []string{},
	}}
	h := newHarness(t, session, existing, false)

	result, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	expected := []history.FailedDownload{{
		ContractID:   "A0",
		ContractName: "既存案件",
		FileName:     "01+入札公告.pdf",
	}}
	if diff := cmp.Diff(expected, result.Failed); diff != "" {
		t.Fatal(diff)
	}
	require.Contains(t, h.notifier.sent[0].body, "既存案件(A0) - 01+入札公告.pdf\n")
}

func TestRunUsesFileExists(t *testing.T) {
	session := &fakeSession{}
	existing := []history.ContractRecord{{
		ContractID:    "A0",
		ContractName:  "既存案件",
		Downloaded:    []string{"01+入札公告.pdf"},
		NotDownloaded: []string{},
	}}
	h := newHarness(t, session, existing, false)

	checked := []string{}
	h.runner.SetFileExists(func(path string) bool {
		checked = append(checked, path)
		return true
	})

	result, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.Failed)
	require.Equal(t, []string{filepath.Join(h.dataDir, "A0_既存案件", "01+入札公告.pdf")}, checked)
}

func TestRunCanceledContext(t *testing.T) {
	session := &fakeSession{
		listing: []history.ContractSummary{{ContractID: "A1", ContractName: "橋梁補修設計"}},
		documents: map[string][]keyword.Document{
			"A1": {{Name: "01+入札公告.pdf"}},
		},
		outcome: map[string]string{"01+入札公告.pdf": hang},
	}
	h := newHarness(t, session, nil, false)
	h.runner.timeout = func(time.Duration) time.Duration { return time.Minute }

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := h.runner.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, session.closed)
	// mail is still delivered after the run's context is done
	require.Len(t, h.notifier.sent, 1)
}
