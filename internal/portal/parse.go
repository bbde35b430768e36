package portal

import (
	"fmt"
	"strings"

	"bidfetch/internal/history"
	"bidfetch/internal/keyword"
	"bidfetch/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/atom"
)

// ParseListing extracts the contracts from the search result frame.
//
// Each result row has the release date in its first cell (preceded by an
// <img> when the portal marks it NEW), the contract name wrapped in the
// anchor that opens it in the second and the contract id in the third.
// Rows that do not have this shape (headers, spacers) are skipped.
func ParseListing(source string) ([]history.ContractSummary, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}

	contracts := []history.ContractSummary{}
	doc.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Children()
		if cells.Length() < 3 {
			return
		}
		dateCell := cells.Get(0)
		nameCell := cells.Get(1)
		idCell := cells.Get(2)

		link := htmlutil.FirstElementChild(nameCell)
		href, ok := htmlutil.Attr(link, "href")
		if !ok {
			return
		}
		id := htmlutil.StripSpace(htmlutil.GetText(idCell))
		if id == "" {
			return
		}

		marker := htmlutil.FirstElementChild(dateCell)
		contracts = append(contracts, history.ContractSummary{
			ContractID:   id,
			ContractName: htmlutil.StripSpace(htmlutil.GetText(nameCell)),
			LinkArg:      href,
			ReleaseDate:  htmlutil.StripSpace(htmlutil.GetText(dateCell)),
			IsNew:        marker != nil && marker.DataAtom == atom.Img,
		})
	})
	return contracts, nil
}

// ParseDocuments extracts the document download links of a contract page
// in page order. Names are normalized, blank ones are kept for the keyword
// filter to drop.
func ParseDocuments(source string) ([]keyword.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("parse documents: %w", err)
	}

	documents := []keyword.Document{}
	for _, a := range htmlutil.GetAnchors(doc.Find(selDocumentLinks)) {
		documents = append(documents, keyword.Document{
			Name: keyword.Normalize(a.Text),
			Href: a.Href,
		})
	}
	return documents, nil
}
