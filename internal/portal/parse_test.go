package portal

import (
	"testing"

	"bidfetch/internal/history"
	"bidfetch/internal/keyword"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const listingFixture = `<html><body>
<table>
  <tr><th>公開日</th><th>業務名</th><th>業務番号</th></tr>
  <tr>
    <td><img src="/koukai/img/new.gif">2024/04/01</td>
    <td><a href="javascript:jsShow('0001');">
      北上川
      橋梁補修設計業務
    </a></td>
    <td> 36-00-01 </td>
  </tr>
  <tr>
    <td>2024/03/28</td>
    <td><a href="javascript:jsShow('0002');">道路 測量設計</a></td>
    <td>36-00-02</td>
  </tr>
  <tr><td colspan="3">&nbsp;</td></tr>
  <tr>
    <td>2024/03/27</td>
    <td>リンクなし</td>
    <td>36-00-03</td>
  </tr>
</table>
</body></html>`

func TestParseListing(t *testing.T) {
	contracts, err := ParseListing(listingFixture)
	require.NoError(t, err)

	diff := cmp.Diff([]history.ContractSummary{
		{
			ContractID:   "36-00-01",
			ContractName: "北上川橋梁補修設計業務",
			LinkArg:      "javascript:jsShow('0001');",
			ReleaseDate:  "2024/04/01",
			IsNew:        true,
		},
		{
			ContractID:   "36-00-02",
			ContractName: "道路測量設計",
			LinkArg:      "javascript:jsShow('0002');",
			ReleaseDate:  "2024/03/28",
			IsNew:        false,
		},
	}, contracts)
	if diff != "" {
		t.Fatal(diff)
	}
}

func TestParseListingEmpty(t *testing.T) {
	contracts, err := ParseListing(`<html><body><p>該当するデータはありません</p></body></html>`)
	require.NoError(t, err)
	require.Empty(t, contracts)
	require.NotNil(t, contracts)
}

const documentsFixture = `<html><body>
<a href="javascript:download('1')">
  36-00-01 入札公告.pdf
</a>
<a href="javascript:download('2')">  </a>
<a href="javascript:download('3')">設計書.pdf</a>
<a href="javascript:history.back()">戻る</a>
<a href="/koukai/help.html">ヘルプ</a>
<a href="javascript:download('4')">位置図
.pdf</a>
</body></html>`

func TestParseDocuments(t *testing.T) {
	documents, err := ParseDocuments(documentsFixture)
	require.NoError(t, err)

	diff := cmp.Diff([]keyword.Document{
		{Name: "36-00-01+入札公告.pdf", Href: "javascript:download('1')"},
		{Name: "", Href: "javascript:download('2')"},
		{Name: "設計書.pdf", Href: "javascript:download('3')"},
		{Name: "位置図.pdf", Href: "javascript:download('4')"},
	}, documents)
	if diff != "" {
		t.Fatal(diff)
	}

	targets, skipped := keyword.Classify(documents, []string{"公告", "位置図"})
	require.Equal(t, []string{"36-00-01+入札公告.pdf", "位置図.pdf"}, keyword.Names(targets))
	require.Equal(t, []string{"設計書.pdf"}, keyword.Names(skipped))
}

func TestPageSizeValue(t *testing.T) {
	table := []struct {
		size     int
		expected string
		fails    bool
	}{
		{size: 10, expected: "010"},
		{size: 25, expected: "020"},
		{size: 50, expected: "030"},
		{size: 100, expected: "040"},
		{size: 0, fails: true},
		{size: 30, fails: true},
		{size: 1000, fails: true},
	}

	for _, row := range table {
		value, err := PageSizeValue(row.size)
		if row.fails {
			require.Error(t, err, row.size)
			continue
		}
		require.NoError(t, err, row.size)
		require.Equal(t, row.expected, value, row.size)
	}
}
