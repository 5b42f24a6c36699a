package dataforseo

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

const serpPath = "/v3/serp/google/organic/live/regular"

// locationCodes maps ISO regions to DataForSEO location codes.
var locationCodes = map[string]int{
	"US": 2840,
	"GB": 2826,
	"CA": 2124,
	"AU": 2036,
	"DE": 2276,
	"FR": 2250,
	"ES": 2724,
	"IN": 2356,
}

type serpTask struct {
	Keyword      string `json:"keyword"`
	LanguageCode string `json:"language_code"`
	LocationCode int    `json:"location_code"`
	Depth        int    `json:"depth"`
}

type serpResult struct {
	Keyword    string     `json:"keyword"`
	ItemsCount int        `json:"items_count"`
	Items      []serpItem `json:"items"`
}

type serpItem struct {
	Type         string `json:"type"`
	RankAbsolute int    `json:"rank_absolute"`
	RankGroup    int    `json:"rank_group"`
	Domain       string `json:"domain"`
	URL          string `json:"url"`
}

// SplitLocale turns "en-US" into ("en", 2840). Unknown regions fall back to the US.
func SplitLocale(locale string) (string, int) {
	lang, region, _ := strings.Cut(strings.ReplaceAll(locale, "_", "-"), "-")
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		lang = "en"
	}
	code, ok := locationCodes[strings.ToUpper(region)]
	if !ok {
		code = locationCodes["US"]
	}
	return lang, code
}

// Fetch looks up the organic rank of the tracked domain for keyword. Without a
// tracked domain the top organic result is reported.
func (c *Client) Fetch(ctx context.Context, keyword, locale string) (scheduler.RankResult, error) {
	if strings.TrimSpace(keyword) == "" {
		return scheduler.RankResult{}, fmt.Errorf("keyword is required")
	}
	lang, location := SplitLocale(locale)
	res, err := post[serpResult](ctx, c, serpPath, serpTask{
		Keyword:      keyword,
		LanguageCode: lang,
		LocationCode: location,
		Depth:        100,
	})
	if err != nil {
		return scheduler.RankResult{}, err
	}
	if res.ItemsCount == 0 {
		return scheduler.RankResult{}, fmt.Errorf("serp %q: %w", keyword, scheduler.ErrNoData)
	}

	out := scheduler.RankResult{Keyword: keyword, Locale: locale, TotalItems: res.ItemsCount}
	for _, item := range res.Items {
		if item.Type != "organic" || !c.tracks(item.Domain) {
			continue
		}
		out.Position = item.RankGroup
		out.URL = item.URL
		break
	}
	return out, nil
}

func (c *Client) tracks(domain string) bool {
	want := strings.TrimPrefix(strings.ToLower(c.cfg.TrackedDomain), "www.")
	if want == "" {
		return true
	}
	got := strings.TrimPrefix(strings.ToLower(domain), "www.")
	return got == want || strings.HasSuffix(got, "."+want)
}
