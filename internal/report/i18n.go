package report

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/kekewolf/web-fetcher/internal/classify"
)

var supported = []language.Tag{
	language.English,
	language.SimplifiedChinese,
}

var matcher = language.NewMatcher(supported)

// ParseLanguage maps a configured value such as "zh", "zh-CN" or "en-US" to
// a supported report language. Unknown values fall back to English.
func ParseLanguage(s string) language.Tag {
	_, idx := language.MatchStrings(matcher, s)
	return supported[idx]
}

// Language normalizes tag to a supported language.
func Language(tag language.Tag) language.Tag {
	_, idx, _ := matcher.Match(tag)
	return supported[idx]
}

var zhActions = map[classify.Type]string{
	classify.TypeHumanTimeout:       "请在人工超时前在已打开的浏览器窗口中完成页面操作，或调大 manual.timeout。",
	classify.TypeTimeout:            "调大超时时间，或单独重试该链接。",
	classify.TypePortConflict:       "停止占用调试端口的进程，或将 browser.debug_port 改为空闲端口。",
	classify.TypePermissionDenied:   "检查浏览器程序及其配置目录的文件权限。",
	classify.TypeBinaryNotFound:     "安装 Chrome 或 Chromium，或通过 browser.binary 指定路径。",
	classify.TypeBrowserUnreachable: "使用 --remote-debugging-port 启动 Chrome，或由人工会话自动启动。",
	classify.TypeAttachment:         "在提取完成前请保持浏览器标签页打开。",
	classify.TypeHandshake:          "该站点需要浏览器 TLS 协议栈，请将其加入问题域名列表。",
	classify.TypeBlocked:            "请手动打开页面并完成验证后再提取。",
	classify.TypeHTTPStatus:         "服务器拒绝了请求，浏览器会话可能可以访问。",
	classify.TypeDNS:                "检查域名拼写及本地 DNS 解析。",
	classify.TypeGeneric:            "查看日志中的底层错误。",
}

// Summary renders the human-readable outcome in tag's language.
func Summary(r Report, tag language.Tag) string {
	chain := make([]string, 0, len(r.Chain))
	for _, s := range r.Chain {
		chain = append(chain, string(s.Method))
	}
	methods := strings.Join(chain, " -> ")
	if methods == "" {
		methods = "-"
	}
	elapsed := (time.Duration(r.DurationMS) * time.Millisecond).String()
	c := r.Classification
	confidence := c.Confidence * 100

	if Language(tag) == language.SimplifiedChinese {
		action := zhActions[c.Type]
		if action == "" {
			action = c.SuggestedAction
		}
		return fmt.Sprintf("抓取 %s 失败：共尝试 %d 次（%s），耗时 %s。最终错误类型：%s（%s，置信度 %.0f%%）。建议：%s",
			r.URL, r.TotalAttempts, methods, elapsed, c.Type, c.Kind, confidence, action)
	}
	return fmt.Sprintf("Fetching %s failed after %d attempt(s) (%s) in %s. Final error: %s (%s, confidence %.0f%%). Suggested action: %s",
		r.URL, r.TotalAttempts, methods, elapsed, c.Type, c.Kind, confidence, c.SuggestedAction)
}
