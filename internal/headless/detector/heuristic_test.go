package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kekewolf/web-fetcher/internal/webfetch"
)

func article(paragraphs int) string {
	var b strings.Builder
	b.WriteString("<html><head><title>Quarterly notice</title></head><body><article>")
	for i := 0; i < paragraphs; i++ {
		b.WriteString("<p>The bank announced an adjustment to deposit rates effective next month.</p>")
	}
	b.WriteString("</article></body></html>")
	return b.String()
}

func TestHeuristic_Evaluate_Success(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	require.Equal(t, DefaultMinContentBytes, h.MinContentBytes)
	v := h.Evaluate(webfetch.Page{Method: webfetch.MethodDirect, StatusCode: 200, HTML: article(80)})
	require.True(t, v.OK())
	require.NoError(t, v.Err(webfetch.MethodDirect))
}

func TestHeuristic_Evaluate_EmptyBody(t *testing.T) {
	t.Parallel()

	v := NewHeuristic(100).Evaluate(webfetch.Page{Method: webfetch.MethodAutomated, HTML: "  \n"})
	require.Equal(t, ReasonEmpty, v.Reason)
	require.ErrorIs(t, v.Err(webfetch.MethodAutomated), webfetch.ErrEmptyContent)
	require.False(t, v.Soft())
}

func TestHeuristic_Evaluate_TooSmall(t *testing.T) {
	t.Parallel()

	v := NewHeuristic(1024).Evaluate(webfetch.Page{Method: webfetch.MethodAutomated, HTML: "<html><body>hi there, 39 bytes</body>"})
	require.Equal(t, ReasonTooSmall, v.Reason)
	require.True(t, v.Soft())
	err := v.Err(webfetch.MethodAutomated)
	require.ErrorIs(t, err, webfetch.ErrContentTooSmall)
	require.Equal(t, webfetch.KindContent, webfetch.KindOf(err))
}

func TestHeuristic_Evaluate_HTTPStatusOnlyForDirect(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(10)
	v := h.Evaluate(webfetch.Page{Method: webfetch.MethodDirect, StatusCode: 503, HTML: article(40)})
	require.Equal(t, ReasonHTTPStatus, v.Reason)
	require.Equal(t, webfetch.KindNetwork, webfetch.KindOf(v.Err(webfetch.MethodDirect)))

	v = h.Evaluate(webfetch.Page{Method: webfetch.MethodAutomated, StatusCode: 0, HTML: article(40)})
	require.True(t, v.OK())
}

func TestHeuristic_Evaluate_BlockedTitle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		title string
		sig   string
	}{
		{"Access Denied", "access-denied"},
		{"Privacy error", "privacy-error"},
		{"Just a moment...", "cloudflare"},
		{"环境异常", "anti-bot"},
	}
	for _, tt := range tests {
		v := NewHeuristic(10).Evaluate(webfetch.Page{
			Method:     webfetch.MethodAutomated,
			StatusCode: 200,
			Title:      tt.title,
			HTML:       article(40),
		})
		require.Equal(t, ReasonBlocked, v.Reason, tt.title)
		require.Equal(t, tt.sig, v.Signature)
		require.ErrorIs(t, v.Err(webfetch.MethodAutomated), webfetch.ErrBlocked)
	}
}

func TestHeuristic_Evaluate_TitleFromMarkup(t *testing.T) {
	t.Parallel()

	html := "<html><head><title>Attention Required! | Cloudflare</title></head><body>" + strings.Repeat("x", 2000) + "</body></html>"
	v := NewHeuristic(10).Evaluate(webfetch.Page{Method: webfetch.MethodDirect, StatusCode: 200, HTML: html})
	require.Equal(t, ReasonBlocked, v.Reason)
}

func TestDetectChallenge_WidgetIgnoredOnLongArticles(t *testing.T) {
	t.Parallel()

	html := `<div class="g-recaptcha"></div>`
	require.Equal(t, "recaptcha", DetectChallenge("Comments", html, 50))
	require.Equal(t, "", DetectChallenge("Comments", html, challengeTextLimit))
}

func TestHeuristic_Evaluate_ShellForDirect(t *testing.T) {
	t.Parallel()

	shell := `<html><head><title>App</title></head><body><div id="root"></div>` +
		`<script>` + strings.Repeat("var a=1;", 300) + `</script></body></html>`
	h := NewHeuristic(100)

	v := h.Evaluate(webfetch.Page{Method: webfetch.MethodDirect, StatusCode: 200, HTML: shell})
	require.Equal(t, ReasonShell, v.Reason)
	require.True(t, v.Soft())

	v = h.Evaluate(webfetch.Page{Method: webfetch.MethodAutomated, HTML: shell})
	require.True(t, v.OK())
}

func TestScriptDensityHigh(t *testing.T) {
	t.Parallel()

	require.True(t, scriptDensityHigh(`<html><script>var a=1;</script><p>t</p></html>`))
	require.False(t, scriptDensityHigh(`<html><p>plain text only</p></html>`))
	require.True(t, scriptDensityHigh(`<p>x</p><script src="a.js"`))
}
