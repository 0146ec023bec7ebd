package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listingHTML = `<html><body>
<div class="nav"><a href="/">Home</a></div>
<ul class="news-list">
  <li><a href="/notice/1.html" title="2024年上半年全国英语等级考试报名通知">2024年上半年全国英语等级...</a><span class="date">2024-03-05</span></li>
  <li><a href="/notice/2.html">考点安排公告</a><span class="date">[2024-03-01]</span></li>
  <li class="empty">no anchor here</li>
</ul>
<div class="pager"><a class="next" href="list_2.html">下一页</a></div>
</body></html>`

func TestListing_Extract(t *testing.T) {
	l := NewListing(Selectors{List: "ul.news-list", Item: "li", Title: "a", Date: ".date", Next: "a.next"})

	page, err := l.Extract([]byte(listingHTML), "neea")
	require.NoError(t, err)
	require.Len(t, page.Candidates, 2)

	first := page.Candidates[0]
	assert.Equal(t, "2024年上半年全国英语等级考试报名通知", first.Title, "title attribute wins over truncated text")
	assert.Equal(t, "/notice/1.html", first.Link)
	assert.Equal(t, "2024-03-05", first.Date)

	second := page.Candidates[1]
	assert.Equal(t, "考点安排公告", second.Title)
	assert.Equal(t, "[2024-03-01]", second.Date)

	assert.Equal(t, "list_2.html", page.Next)
}

func TestListing_IsDeterministic(t *testing.T) {
	l := NewListing(Selectors{List: "ul.news-list", Date: ".date"})
	a, err := l.Extract([]byte(listingHTML), "neea")
	require.NoError(t, err)
	b, err := l.Extract([]byte(listingHTML), "neea")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestListing_MissingContainer(t *testing.T) {
	l := NewListing(Selectors{List: "table.notices"})
	_, err := l.Extract([]byte(listingHTML), "neea")
	assert.ErrorIs(t, err, ErrStructureNotFound)
}

func TestListing_EmptyContainerIsNotAnError(t *testing.T) {
	l := NewListing(Selectors{List: "ul.news-list"})
	page, err := l.Extract([]byte(`<ul class="news-list"></ul>`), "neea")
	require.NoError(t, err)
	assert.Empty(t, page.Candidates)
	assert.Empty(t, page.Next)
}

func TestListing_SeparateLinkSelector(t *testing.T) {
	html := `<table class="t"><tr><td class="name">笔试成绩查询</td><td class="op"><a href="q.html">查看</a></td><td>2024-04-01</td></tr></table>`
	l := NewListing(Selectors{List: "table.t", Item: "tr", Title: "td.name", Link: "td.op", Date: "td:nth-child(3)"})

	page, err := l.Extract([]byte(html), "s")
	require.NoError(t, err)
	require.Len(t, page.Candidates, 1)
	assert.Equal(t, "笔试成绩查询", page.Candidates[0].Title)
	assert.Equal(t, "q.html", page.Candidates[0].Link)
	assert.Equal(t, "2024-04-01", page.Candidates[0].Date)
}

const rssDoc = `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Exam notices</title>
    <link>https://exams.example.org</link>
    <item>
      <title>Registration opens</title>
      <link>https://exams.example.org/n/1</link>
      <description>&lt;p&gt;Registration for the &lt;b&gt;spring&lt;/b&gt; session.&lt;/p&gt;</description>
      <pubDate>Tue, 05 Mar 2024 10:00:00 GMT</pubDate>
    </item>
    <item>
      <title>Undated notice</title>
      <guid>https://exams.example.org/n/2</guid>
    </item>
  </channel>
</rss>`

func TestFeed_Extract(t *testing.T) {
	page, err := Feed{}.Extract([]byte(rssDoc), "feed-site")
	require.NoError(t, err)
	require.Len(t, page.Candidates, 2)

	first := page.Candidates[0]
	assert.Equal(t, "Registration opens", first.Title)
	assert.Equal(t, "https://exams.example.org/n/1", first.Link)
	assert.True(t, strings.HasPrefix(first.Date, "2024-03-05T10:00:00"))
	assert.Equal(t, "Registration for the spring session.", strings.TrimSpace(first.Summary))

	second := page.Candidates[1]
	assert.Equal(t, "https://exams.example.org/n/2", second.Link)
	assert.Empty(t, second.Date)
}

func TestFeed_NotAFeed(t *testing.T) {
	_, err := Feed{}.Extract([]byte("<html><body>maintenance</body></html>"), "feed-site")
	assert.ErrorIs(t, err, ErrStructureNotFound)
}

func TestSummary(t *testing.T) {
	paragraph := strings.Repeat("各位考生请注意，本次考试报名时间为三月五日至三月十五日，请按时登录报名系统完成信息填写和缴费。", 8)
	html := `<html><head><title>报名通知</title></head><body>
<div class="nav"><a href="/">首页</a></div>
<article><h1>报名通知</h1><p>` + paragraph + `</p><p>` + paragraph + `</p></article>
<div class="footer">版权所有</div></body></html>`

	summary, err := Summary([]byte(html), "https://exams.example.org/n/1", 40)
	require.NoError(t, err)
	assert.Contains(t, summary, "各位考生请注意")
	assert.True(t, strings.HasSuffix(summary, "…"))
	assert.LessOrEqual(t, len([]rune(summary)), 41)
}

func TestSummary_Empty(t *testing.T) {
	_, err := Summary(nil, "https://exams.example.org/n/1", 10)
	assert.Error(t, err)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "abc", truncateRunes("abc", 3))
	assert.Equal(t, "考试…", truncateRunes("考试通知", 2))
}
