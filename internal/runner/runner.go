// Package runner executes one download run against the portal: search,
// reconcile against history, download each new contract's target documents,
// then verify, persist and report.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"bidfetch/internal/components/assert"
	"bidfetch/internal/components/chrono"
	"bidfetch/internal/components/telemetry"
	"bidfetch/internal/history"
	"bidfetch/internal/keyword"
	"bidfetch/internal/notify"
	"bidfetch/internal/portal"
	"bidfetch/internal/tracker"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("bidfetch/internal/runner")
	meter  = otel.Meter("bidfetch/internal/runner")
)

const (
	report_runner_run      = "runner.run"
	report_runner_contract = "runner.contract"
	report_runner_finish   = "runner.finish"
)

type Options struct {
	// DataDir holds one <contractId>_<contractName> folder per contract.
	DataDir  string
	Keywords []string
	OnlyNew  bool
	// DownloadWait is floored by tracker.EffectiveTimeout.
	DownloadWait time.Duration
	// QuietPeriod enables the tracker's quiet-period completion when positive.
	QuietPeriod time.Duration
}

type Runner struct {
	tel      telemetry.API
	session  portal.Session
	store    *history.Store
	notifier notify.Notifier
	clock    chrono.TimeAPI
	exists   history.FileExists
	opts     Options
	// timeout turns Options.DownloadWait into the wait of one batch
	timeout func(time.Duration) time.Duration

	downloads metric.Int64Counter
	contracts metric.Int64Counter
}

func New(
	opts Options,
	session portal.Session,
	store *history.Store,
	notifier notify.Notifier,
	clock chrono.TimeAPI,
	tel telemetry.API,
) *Runner {
	assert.NotNil(session)
	assert.NotNil(store)
	assert.NotNil(notifier)
	assert.NotNil(clock)
	assert.NotNil(tel)
	assert.NotEmptyStr(opts.DataDir)

	downloads, _ := meter.Int64Counter("bidfetch_downloads_total")
	contracts, _ := meter.Int64Counter("bidfetch_contracts_total")

	return &Runner{
		tel:       telemetry.NewScopedAPI("runner", tel),
		session:   session,
		store:     store,
		notifier:  notifier,
		clock:     clock,
		exists:    history.OSFileExists,
		opts:      opts,
		timeout:   tracker.EffectiveTimeout,
		downloads: downloads,
		contracts: contracts,
	}
}

// SetFileExists replaces the check Verify uses, tests point it at a fake filesystem.
func (r *Runner) SetFileExists(exists history.FileExists) {
	r.exists = exists
}

type Result struct {
	RunID  string
	Report notify.Report
	// Processed is the number of contracts appended to history.
	Processed int
	Failed    []history.FailedDownload
}

// Run executes one run. The returned error is the run-fatal error, if any;
// problems confined to one contract are only part of the report.
//
// Verification and mail delivery happen on every exit path and the browser
// is closed whenever it was opened. History is only flushed when the run
// finished without a fatal error.
func (r *Runner) Run(ctx context.Context) (result Result, err error) {
	result.RunID = uuid.NewString()
	ctx, span := tracer.Start(ctx, "Run", trace.WithAttributes(
		attribute.String("run_id", result.RunID),
	))
	defer span.End()

	report := notify.Report{Date: r.clock.Now()}
	r.tel.ReportInfo("run started", result.RunID)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during run: %v", p)
			r.tel.ReportBroken(report_runner_run, err, string(debug.Stack()))
		}
		r.finish(ctx, &result, &report, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "run failed")
		}
	}()

	err = r.session.Probe(ctx)
	if err != nil {
		r.tel.ReportBroken(report_runner_run, err)
		return result, err
	}

	err = r.session.Open(ctx)
	if err != nil {
		r.tel.ReportBroken(report_runner_run, err)
		return result, err
	}
	defer func() {
		closeErr := r.session.Close()
		if closeErr != nil {
			r.tel.ReportWarning(report_runner_run, closeErr)
		}
	}()

	listing, err := r.session.Search(ctx)
	if err != nil {
		r.tel.ReportBroken(report_runner_run, err)
		return result, err
	}
	candidates := history.FilterNew(listing, r.store, r.opts.OnlyNew)
	report.Searched = true
	r.tel.ReportInfo("contracts to process", len(candidates), len(listing))

	for _, contract := range candidates {
		appended, err := r.processContract(ctx, contract, &report)
		if appended {
			result.Processed++
		}
		if err != nil {
			return result, err
		}
	}

	return result, nil
}

// finish verifies, flushes and mails. It runs after the browser is closed.
func (r *Runner) finish(ctx context.Context, result *Result, report *notify.Report, runErr error) {
	// cleanup still happens once the run's context is canceled
	ctx = context.WithoutCancel(ctx)

	if runErr == nil {
		err := r.store.Flush()
		if err != nil {
			r.tel.ReportBroken(report_runner_finish, err)
			runErr = err
		}
	}

	result.Failed = history.Verify(r.store.Records(), r.opts.DataDir, r.exists)
	if len(result.Failed) == 0 {
		r.tel.ReportInfo("every recorded file is on disk")
	} else {
		for _, f := range result.Failed {
			r.tel.ReportWarning(report_runner_finish, "file missing", f.ContractID, f.ContractName, f.FileName)
		}
	}

	report.Failed = result.Failed
	report.Fatal = runErr
	result.Report = *report

	err := r.notifier.Send(ctx, report.Subject(), report.Text())
	if err != nil {
		r.tel.ReportWarning(report_runner_finish, err)
	}
}

// processContract downloads one contract's targets. appended reports whether
// the contract was recorded in history, err is only set for run-fatal errors.
func (r *Runner) processContract(ctx context.Context, contract history.ContractSummary, report *notify.Report) (appended bool, err error) {
	ctx, span := tracer.Start(ctx, "processContract", trace.WithAttributes(
		attribute.String("contract_id", contract.ContractID),
		attribute.String("contract_name", contract.ContractName),
	))
	defer span.End()

	r.tel.ReportInfo("project", contract.ContractName, contract.ContractID)
	r.contracts.Add(ctx, 1)

	// contractFailed records a failure local to this contract and tries to get
	// back to the listing, failing to do so ends the run.
	contractFailed := func(cause error, opened bool) (bool, error) {
		span.RecordError(cause)
		span.SetStatus(codes.Error, "contract failed")
		r.tel.ReportWarning(report_runner_contract, cause, contract.ContractID)
		report.AddContract(notify.ContractResult{
			ContractID:   contract.ContractID,
			ContractName: contract.ContractName,
			Err:          cause,
		})
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		err := r.returnToListing(ctx, opened)
		if err != nil {
			return false, fmt.Errorf("return to listing after %s: %w", contract.ContractID, err)
		}
		return false, nil
	}

	dir := history.ContractDir(r.opts.DataDir, contract.ContractID, contract.ContractName)
	documents, err := r.session.OpenContract(ctx, contract, dir)
	if err != nil {
		return contractFailed(err, false)
	}
	targets, skipped := keyword.Classify(documents, r.opts.Keywords)

	t := tracker.New(r.tel, tracker.WithQuietPeriod(r.opts.QuietPeriod))
	unsubscribe := r.session.Subscribe(t)
	defer unsubscribe()

	t.Begin(len(targets))
	for _, document := range targets {
		if t.State() == tracker.Canceled {
			break
		}
		err = r.session.Download(ctx, document)
		if err != nil {
			return contractFailed(err, true)
		}
	}
	waitErr := t.Await(ctx, r.timeout(r.opts.DownloadWait))
	unsubscribe()

	downloaded := t.Downloaded()
	record := history.ContractRecord{
		ContractID:    contract.ContractID,
		ContractName:  contract.ContractName,
		Downloaded:    downloaded,
		NotDownloaded: keyword.Names(skipped),
	}
	r.downloads.Add(ctx, int64(len(downloaded)))
	r.tel.ReportCount("downloads", int64(len(downloaded)))

	switch {
	case waitErr == nil:
	case errors.Is(waitErr, tracker.ErrTimedOut):
		// not recorded, the contract is tried again on the next run
		report.AddContract(notify.ContractResult{
			ContractID:    contract.ContractID,
			ContractName:  contract.ContractName,
			Downloaded:    downloaded,
			NotDownloaded: record.NotDownloaded,
			Err:           waitErr,
		})
		r.tel.ReportWarning(report_runner_contract, waitErr, contract.ContractID)
		span.RecordError(waitErr)
		err = r.returnToListing(ctx, true)
		if err != nil {
			return false, fmt.Errorf("return to listing after %s: %w", contract.ContractID, err)
		}
		return false, nil
	case errors.Is(waitErr, tracker.ErrCanceled):
		appendErr := r.store.Append(record)
		if appendErr != nil {
			r.tel.ReportBroken(report_runner_contract, appendErr, contract.ContractID)
		}
		report.AddContract(notify.ContractResult{
			ContractID:    contract.ContractID,
			ContractName:  contract.ContractName,
			Downloaded:    downloaded,
			NotDownloaded: record.NotDownloaded,
			Err:           waitErr,
		})
		r.tel.ReportBroken(report_runner_contract, waitErr, contract.ContractID)
		return appendErr == nil, fmt.Errorf("contract %s: %w", contract.ContractID, waitErr)
	default:
		return false, waitErr
	}

	err = r.store.Append(record)
	if err != nil {
		r.tel.ReportBroken(report_runner_contract, err, contract.ContractID)
		return false, err
	}
	report.AddContract(notify.ContractResult{
		ContractID:    contract.ContractID,
		ContractName:  contract.ContractName,
		Downloaded:    record.Downloaded,
		NotDownloaded: record.NotDownloaded,
	})
	r.tel.ReportInfo("contract done", contract.ContractID, record.Downloaded, record.NotDownloaded)

	err = r.session.Back(ctx)
	if err != nil {
		r.tel.ReportWarning(report_runner_contract, err, contract.ContractID)
		err = r.returnToListing(ctx, false)
		if err != nil {
			return true, fmt.Errorf("return to listing after %s: %w", contract.ContractID, err)
		}
	}
	return true, nil
}

// returnToListing goes back from a contract page, or searches again when
// the contract page never opened or the back button failed.
func (r *Runner) returnToListing(ctx context.Context, opened bool) error {
	if opened {
		err := r.session.Back(ctx)
		if err == nil {
			return nil
		}
		r.tel.ReportWarning(report_runner_contract, fmt.Errorf("back failed, searching again: %w", err))
	}
	_, err := r.session.Search(ctx)
	return err
}
