// Package convert turns fetched HTML into Markdown. A site hint picks the
// element holding the article so navigation and widgets stay out of the
// output.
package convert

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
)

// Hint names a site family with a known page structure.
type Hint string

// Known hints.
const (
	HintGeneric     Hint = "generic"
	HintWeChat      Hint = "wechat"
	HintXiaohongshu Hint = "xiaohongshu"
	HintBankNotice  Hint = "bank_notice"
)

type profile struct {
	hosts   []string
	title   []string
	content []string
}

var profiles = map[Hint]profile{
	HintWeChat: {
		hosts:   []string{"mp.weixin.qq.com"},
		title:   []string{"#activity-name", "h1.rich_media_title"},
		content: []string{"#js_content", ".rich_media_content"},
	},
	HintXiaohongshu: {
		hosts:   []string{"xiaohongshu.com", "xhslink.com"},
		title:   []string{"#detail-title", ".note-content .title"},
		content: []string{"#detail-desc", ".note-content", ".note-container"},
	},
	HintBankNotice: {
		hosts:   []string{"boc.cn", "icbc.com.cn", "ccb.com", "abchina.com", "bankcomm.com", "cmbchina.com", "pbc.gov.cn"},
		title:   []string{".sub_title", ".TRS_Editor h1", "h1", "h2"},
		content: []string{".TRS_Editor", ".sub_con", "#zoom", ".content", "article"},
	},
	HintGeneric: {
		title:   []string{"article h1", "h1"},
		content: []string{"article", "main", "[role=main]", "#content", ".content", "body"},
	},
}

// noise is dropped from the content root before conversion.
const noise = "script, style, noscript, iframe, nav, footer, header, form, aside, .advertisement, #js_pc_qr_code, .qr_code_pc"

// HintFor picks the hint for a page URL.
func HintFor(rawURL string) Hint {
	u, err := url.Parse(rawURL)
	if err != nil {
		return HintGeneric
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, hint := range []Hint{HintWeChat, HintXiaohongshu, HintBankNotice} {
		for _, h := range profiles[hint].hosts {
			if host == h || strings.HasSuffix(host, "."+h) {
				return hint
			}
		}
	}
	return HintGeneric
}

// Converter is safe for concurrent use.
type Converter struct {
	conv *converter.Converter
}

// New builds a converter with CommonMark and table support.
func New() *Converter {
	return &Converter{
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(
					table.WithCellPaddingBehavior(table.CellPaddingBehaviorMinimal),
				),
			),
		),
	}
}

// Document is the converted page.
type Document struct {
	Title    string
	Markdown string
	Hint     Hint
}

// Convert extracts the content root for hint from html and renders it as
// Markdown headed by the title and the source URL. Relative links resolve
// against pageURL.
func (c *Converter) Convert(html string, hint Hint, pageURL string) (Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Document{}, fmt.Errorf("parse html: %w", err)
	}
	p, ok := profiles[hint]
	if !ok {
		hint = HintGeneric
		p = profiles[HintGeneric]
	}

	title := firstText(doc, p.title)
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	root := firstNonEmpty(doc, p.content)
	if root == nil && hint != HintGeneric {
		root = firstNonEmpty(doc, profiles[HintGeneric].content)
	}
	if root == nil {
		return Document{}, fmt.Errorf("no content found")
	}
	root.Find(noise).Remove()
	// WeChat lazy-loads images through data-src.
	root.Find("img[data-src]").Each(func(_ int, img *goquery.Selection) {
		if src, ok := img.Attr("data-src"); ok {
			img.SetAttr("src", src)
		}
	})
	fragment, err := goquery.OuterHtml(root)
	if err != nil {
		return Document{}, fmt.Errorf("render content root: %w", err)
	}

	body, err := c.conv.ConvertString(fragment, converter.WithDomain(domainOf(pageURL)))
	if err != nil {
		return Document{}, fmt.Errorf("convert markdown: %w", err)
	}

	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "# %s\n\n", title)
	}
	if pageURL != "" {
		fmt.Fprintf(&b, "Source: <%s>\n\n", pageURL)
	}
	b.WriteString(strings.TrimSpace(body))
	b.WriteString("\n")
	return Document{Title: title, Markdown: b.String(), Hint: hint}, nil
}

func firstText(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
			return strings.Join(strings.Fields(text), " ")
		}
	}
	return ""
}

func firstNonEmpty(doc *goquery.Document, selectors []string) *goquery.Selection {
	for _, sel := range selectors {
		s := doc.Find(sel).First()
		if s.Length() > 0 && strings.TrimSpace(s.Text()) != "" {
			return s
		}
	}
	return nil
}

func domainOf(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
