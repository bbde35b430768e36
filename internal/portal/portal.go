// Package portal drives the bid-information portal: it searches the
// consultant listing, opens contracts and clicks their document links.
package portal

import (
	"context"
	"errors"
	"fmt"

	"bidfetch/internal/history"
	"bidfetch/internal/keyword"
	"bidfetch/internal/tracker"
)

// ErrConnectivity means the portal's top page could not be reached.
var ErrConnectivity = errors.New("could not connect to the bid information portal")

// UserAgent is sent by both the browser and the connectivity probe.
const UserAgent = "bot"

// selectors of the portal's pages
const (
	selConsultantMenu = `[onclick="jsLink2(2);"]`
	selRightFrame     = `[name="frmRIGHT"]`
	selOrderSearch    = `[onclick="jskfcLink(4);"]`
	selPageSize       = `select[name="A300"]`
	selProjectName    = `[name="koujimei"]`
	selSearchButton   = `[onclick="doSearch1();"]`
	selListingFrame   = `#frmMain`
	selDocumentLinks  = `a[href^="javascript:download"]`
	selBackButton     = `input[value="戻る"]`
)

// PageSizeValue maps a listing page size to the value of the portal's
// page size <select>.
func PageSizeValue(n int) (string, error) {
	switch n {
	case 10:
		return "010", nil
	case 25:
		return "020", nil
	case 50:
		return "030", nil
	case 100:
		return "040", nil
	default:
		return "", fmt.Errorf("unsupported page size %d, expected one of 10, 25, 50, 100", n)
	}
}

// DownloadSink receives the browser's download lifecycle events.
// *tracker.Tracker implements it.
type DownloadSink interface {
	OnBegin(id, suggestedName string)
	OnProgress(id string, state tracker.DownloadState)
}

var _ DownloadSink = (*tracker.Tracker)(nil)

// Session is one browser session against the portal. Methods other than
// Subscribe must be called from a single goroutine.
type Session interface {
	// Probe checks that the top page answers before a browser is launched.
	Probe(ctx context.Context) error
	Open(ctx context.Context) error
	// Search runs the order-information search and returns the listing.
	Search(ctx context.Context) ([]history.ContractSummary, error)
	// OpenContract opens a contract from the listing, points downloads at
	// downloadDir and returns the document links on its page.
	OpenContract(ctx context.Context, contract history.ContractSummary, downloadDir string) ([]keyword.Document, error)
	// Subscribe forwards download events to sink until unsubscribe is called.
	Subscribe(sink DownloadSink) (unsubscribe func())
	// Download clicks a document link on the open contract.
	Download(ctx context.Context, document keyword.Document) error
	// Back returns from a contract to the listing.
	Back(ctx context.Context) error
	Close() error
}
