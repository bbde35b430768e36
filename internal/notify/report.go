// Package notify builds the plain-text summary of a run and mails it.
package notify

import (
	"fmt"
	"strings"
	"time"

	"bidfetch/internal/components/chrono"
	"bidfetch/internal/history"
)

const (
	subjectFormat     = "岩手県入札情報DL結果(%s)"
	headerFormat      = "%sのダウンロード結果\n\n"
	noNewDownloads    = "新規ダウンロードはありませんでした\n\n"
	downloadedLabel   = "【DL済】\n"
	notDownloadLabel  = "【未DL】\n"
	failedHeader      = "以下のファイルがダウンロードに失敗した可能性があります。\n"
	errorHeader       = "\n\n【エラー情報】\n"
	contractSeparator = "**********************************************************************"
	bullet            = "・"
)

// ContractResult is the outcome of one contract in the run.
type ContractResult struct {
	ContractID    string
	ContractName  string
	Downloaded    []string
	NotDownloaded []string
	// Err is a problem limited to this contract, ex. a download timeout.
	Err error
}

// Report collects what a run did, it is rendered once at the end.
type Report struct {
	Date time.Time
	// Searched is set once the listing was read and reconciled.
	Searched  bool
	Contracts []ContractResult
	Failed    []history.FailedDownload
	// Fatal is the error that ended the run early.
	Fatal error
}

func (r *Report) AddContract(result ContractResult) {
	r.Contracts = append(r.Contracts, result)
}

func (r Report) Subject() string {
	return fmt.Sprintf(subjectFormat, chrono.FormatDate(r.Date))
}

func bullets(names []string) string {
	lines := make([]string, len(names))
	for i, n := range names {
		lines[i] = bullet + n
	}
	return strings.Join(lines, "\n")
}

// Text renders the mail body.
func (r Report) Text() string {
	var text strings.Builder

	if r.Searched {
		if len(r.Contracts) == 0 {
			text.WriteString(noNewDownloads)
		} else {
			fmt.Fprintf(&text, headerFormat, chrono.FormatDate(r.Date))
		}
	}

	for _, c := range r.Contracts {
		text.WriteString(contractSeparator)
		fmt.Fprintf(&text, "\n\n%s (%s)\n", c.ContractName, c.ContractID)
		text.WriteString(downloadedLabel)
		text.WriteString(bullets(c.Downloaded))
		text.WriteString("\n")
		text.WriteString(notDownloadLabel)
		text.WriteString(bullets(c.NotDownloaded))
		text.WriteString("\n")
		if c.Err != nil {
			fmt.Fprintf(&text, "※%s\n", c.Err)
		}
		text.WriteString("\n\n")
	}

	if len(r.Failed) > 0 {
		text.WriteString(failedHeader)
		for _, f := range r.Failed {
			fmt.Fprintf(&text, "%s(%s) - %s\n", f.ContractName, f.ContractID, f.FileName)
		}
	}

	if r.Fatal != nil {
		text.WriteString(errorHeader)
		text.WriteString(r.Fatal.Error())
	}

	return text.String()
}
