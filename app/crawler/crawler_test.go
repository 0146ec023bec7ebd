package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/lysyi3m/examwatch/app/extract"
	"github.com/lysyi3m/examwatch/app/fetch"
	"github.com/lysyi3m/examwatch/app/site"
)

func testFetcher() *fetch.Client {
	return fetch.NewClient(fetch.Options{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
}

type hits struct {
	mu sync.Mutex
	n  map[string]int
}

func (h *hits) add(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n == nil {
		h.n = make(map[string]int)
	}
	h.n[path]++
}

func (h *hits) get(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n[path]
}

func (h *hits) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	sum := 0
	for _, n := range h.n {
		sum += n
	}
	return sum
}

func listingPage(page int, next string) string {
	var b strings.Builder
	b.WriteString(`<html><body><ul class="list">`)
	for i := 1; i <= 2; i++ {
		fmt.Fprintf(&b, `<li><a href="/n/%d-%d.html">Notice %d-%d</a><span>2024-03-%02d</span></li>`, page, i, page, i, page)
	}
	b.WriteString(`</ul>`)
	if next != "" {
		fmt.Fprintf(&b, `<a class="next" href="%s">next</a>`, next)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

func listingConfig(entry string) site.Config {
	return site.Config{
		ID:       "city",
		EntryURL: entry,
		Variant:  VariantListing,
		MaxPages: 3,
		Selectors: extract.Selectors{
			List: "ul.list",
			Date: "span",
			Next: "a.next",
		},
	}
}

func TestListing_FollowsNextUpToMaxPages(t *testing.T) {
	var h hits
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.add(r.URL.Path)
		var page int
		fmt.Sscanf(r.URL.Path, "/list/%d", &page)
		fmt.Fprint(w, listingPage(page, fmt.Sprintf("/list/%d", page+1)))
	}))
	defer srv.Close()

	cfg := listingConfig(srv.URL + "/list/1")
	c, err := DefaultRegistry().New(cfg, Deps{Fetcher: testFetcher()})
	require.NoError(t, err)

	records, err := c.Crawl(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 6)
	assert.Equal(t, 3, h.total(), "an endless pager stops at max_pages")
	assert.Zero(t, h.get("/list/4"))

	assert.Equal(t, "city", records[0].SiteID)
	assert.Equal(t, srv.URL+"/n/1-1.html", records[0].SourceURL)
	assert.Equal(t, "2024-03-01", records[0].PublishDate.Format("2006-01-02"))
	assert.Len(t, records[0].Fingerprint, 64)
}

func TestListing_PageTemplateEndsOnNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/index.html":
			fmt.Fprint(w, listingPage(1, ""))
		case "/index_2.html":
			fmt.Fprint(w, listingPage(2, ""))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := listingConfig(srv.URL + "/index.html")
	cfg.MaxPages = 5
	cfg.PageURLTemplate = srv.URL + "/index_{page}.html"

	c, err := NewListing(cfg, Deps{Fetcher: testFetcher()})
	require.NoError(t, err)

	records, err := c.Crawl(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 4)
}

func TestListing_MissingContainerIsParseFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><div class="redesigned">new layout</div></body></html>`)
	}))
	defer srv.Close()

	c, err := NewListing(listingConfig(srv.URL), Deps{Fetcher: testFetcher()})
	require.NoError(t, err)

	records, err := c.Crawl(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrParseFailed)
	assert.Nil(t, records)
}

func TestListing_EmptyEntryPageIsParseFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			fmt.Fprint(w, `<html><body><ul class="list"></ul><div class="card"><a href="/n/1.html">Moved</a><span>2024-03-01</span></div></body></html>`)
			return
		}
		fmt.Fprint(w, listingPage(2, ""))
	}))
	defer srv.Close()

	c, err := NewListing(listingConfig(srv.URL+"/"), Deps{Fetcher: testFetcher()})
	require.NoError(t, err)

	records, err := c.Crawl(context.Background())
	assert.ErrorIs(t, err, ErrParseFailed)
	assert.Nil(t, records)
}

func TestListing_EmptyLaterPageEndsListing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			fmt.Fprint(w, listingPage(1, "/2"))
			return
		}
		fmt.Fprint(w, `<html><body><ul class="list"></ul></body></html>`)
	}))
	defer srv.Close()

	c, err := NewListing(listingConfig(srv.URL+"/"), Deps{Fetcher: testFetcher()})
	require.NoError(t, err)

	records, err := c.Crawl(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestListing_FetchFailureReturnsNoRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			fmt.Fprint(w, listingPage(1, "/broken"))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewListing(listingConfig(srv.URL+"/"), Deps{Fetcher: testFetcher()})
	require.NoError(t, err)

	records, err := c.Crawl(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fetch.ErrFetchFailed)
	assert.Nil(t, records, "a failed crawl is never a partial success")
}

func TestListing_DropsMalformedCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<ul class="list">
<li><a href="/ok.html">Complete</a><span>2024-03-05</span></li>
<li><a href="/nodate.html">No date</a></li>
<li><a href="">No link</a><span>2024-03-05</span></li>
<li><a href="mailto:office@example.org">Mail</a><span>2024-03-05</span></li>
<li><a href="/blank.html">   </a><span>2024-03-05</span></li>
</ul>`)
	}))
	defer srv.Close()

	c, err := NewListing(listingConfig(srv.URL), Deps{Fetcher: testFetcher()})
	require.NoError(t, err)

	records, err := c.Crawl(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Complete", records[0].Title)
}

func TestListing_DeadlineAbortsCrawl(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, err := NewListing(listingConfig(srv.URL), Deps{Fetcher: testFetcher()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	records, err := c.Crawl(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Nil(t, records)
}

func gbk(t *testing.T, s string) string {
	t.Helper()
	out, err := simplifiedchinese.GBK.NewEncoder().String(s)
	require.NoError(t, err)
	return out
}

func TestExamAuthority_FollowsDetailPages(t *testing.T) {
	paragraph := strings.Repeat("请各位考生于规定时间内登录报名系统，认真核对个人信息并完成网上缴费。", 6)
	listing := `<html><head><meta charset="gbk"></head><body><div class="news_list"><ul>
<li><a href="/info/1.html">2024年上半年考试报名通知</a><span>2024-03-05</span></li>
<li><a href="/info/2.html">准考证打印说明</a><span>2024年3月8日</span></li>
</ul></div></body></html>`
	detail := `<html><head><title>报名通知</title></head><body><div class="article"><p>` + paragraph + `</p><p>` + paragraph + `</p></div></body></html>`

	listingGBK, detailGBK := gbk(t, listing), gbk(t, detail)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		switch r.URL.Path {
		case "/news/":
			fmt.Fprint(w, listingGBK)
		case "/info/1.html":
			fmt.Fprint(w, detailGBK)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	cfg := site.Config{ID: "neea", EntryURL: srv.URL + "/news/", Variant: VariantExamAuthority, MaxPages: 1}
	c, err := DefaultRegistry().New(cfg, Deps{Fetcher: testFetcher()})
	require.NoError(t, err)

	records, err := c.Crawl(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "2024年上半年考试报名通知", records[0].Title)
	assert.Contains(t, records[0].Summary, "请各位考生")
	assert.Equal(t, "准考证打印说明", records[1].Title)
	assert.Equal(t, "2024-03-08", records[1].PublishDate.Format("2006-01-02"))
	assert.Empty(t, records[1].Summary, "a failed detail page keeps the record")
}

func TestFeed_Crawl(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, `<?xml version="1.0"?><rss version="2.0"><channel><title>t</title>
<item><title>Dated</title><link>https://exams.example.org/1</link><pubDate>Tue, 05 Mar 2024 10:00:00 GMT</pubDate></item>
<item><title>Undated</title><link>https://exams.example.org/2</link></item>
</channel></rss>`)
	}))
	defer srv.Close()

	cfg := site.Config{ID: "feed", EntryURL: srv.URL, Variant: VariantFeed, Timezone: "UTC"}
	c, err := DefaultRegistry().New(cfg, Deps{Fetcher: testFetcher()})
	require.NoError(t, err)

	records, err := c.Crawl(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Dated", records[0].Title)
	assert.Equal(t, "2024-03-05", records[0].PublishDate.Format("2006-01-02"))
}

func TestFeed_GBKFeedIsDecodedOnce(t *testing.T) {
	declared := gbk(t, `<?xml version="1.0" encoding="gbk"?><rss version="2.0"><channel><title>通知</title>
<item><title>考试报名通知</title><link>https://exams.example.org/1</link><pubDate>Tue, 05 Mar 2024 10:00:00 GMT</pubDate></item>
</channel></rss>`)
	undeclared := gbk(t, `<?xml version="1.0"?><rss version="2.0"><channel><title>通知</title>
<item><title>准考证打印说明</title><link>https://exams.example.org/2</link><pubDate>Fri, 08 Mar 2024 10:00:00 GMT</pubDate></item>
</channel></rss>`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml; charset=gbk")
		if r.URL.Path == "/declared.xml" {
			fmt.Fprint(w, declared)
			return
		}
		fmt.Fprint(w, undeclared)
	}))
	defer srv.Close()

	tests := []struct {
		path  string
		title string
	}{
		{"/declared.xml", "考试报名通知"},
		{"/undeclared.xml", "准考证打印说明"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			cfg := site.Config{ID: "feed", EntryURL: srv.URL + tt.path, Variant: VariantFeed, Timezone: "UTC"}
			c, err := NewFeed(cfg, Deps{Fetcher: testFetcher()})
			require.NoError(t, err)

			records, err := c.Crawl(context.Background())
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, tt.title, records[0].Title)
		})
	}
}

func TestFeed_NotAFeedIsParseFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>maintenance</body></html>")
	}))
	defer srv.Close()

	c, err := NewFeed(site.Config{ID: "feed", EntryURL: srv.URL, Variant: VariantFeed}, Deps{Fetcher: testFetcher()})
	require.NoError(t, err)

	_, err = c.Crawl(context.Background())
	assert.ErrorIs(t, err, ErrParseFailed)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{VariantExamAuthority, VariantFeed, VariantListing}, r.Variants())

	withSelectors := site.Config{ID: "a", Variant: "gaokao-crawler", Selectors: extract.Selectors{List: "ul"}}
	variant, err := r.Resolve(withSelectors)
	require.NoError(t, err)
	assert.Equal(t, VariantListing, variant)

	_, err = r.Resolve(site.Config{ID: "b", Variant: "gaokao-crawler"})
	assert.Error(t, err)

	_, err = r.New(site.Config{ID: "c", Variant: VariantListing}, Deps{Fetcher: testFetcher()})
	assert.Error(t, err, "listing crawler without selectors")

	_, err = r.New(withSelectors, Deps{})
	assert.Error(t, err, "fetcher is required")

	err = r.Check(&site.Settings{Sites: []site.Config{
		withSelectors,
		{ID: "d", Variant: "unknown"},
		{ID: "e", Variant: VariantFeed},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "site d")
	assert.NotContains(t, err.Error(), "site a")
}

func TestRegistry_CustomVariant(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register("custom", func(cfg site.Config, deps Deps) (Crawler, error) {
		called = true
		return NewFeed(cfg, deps)
	})

	_, err := r.New(site.Config{ID: "x", Variant: "custom"}, Deps{Fetcher: testFetcher()})
	require.NoError(t, err)
	assert.True(t, called)
}
