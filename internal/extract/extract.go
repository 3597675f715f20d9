// Package extract 从邮件正文中识别验证码。
//
// 识别分两轮：先按顺序尝试带关键词的上下文规则，第一条命中即返回；
// 都未命中时再扫描独立的 4-8 位数字，并排除年份、价格与电话号码片段。
package extract

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"cybertemp/agent/internal/domain"
)

// Rule 一条上下文规则，Pattern 的第一个捕获组为验证码
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	// Accept 可选的二次校验，返回 false 时继续尝试下一条规则
	Accept func(code string) bool
}

// DefaultRules 按优先级排列：具体短语在前，宽泛的 "is"/"enter" 在后，
// 字母数字验证码只能来自最后一条关键词规则，关键词后面的常见英文单词不算验证码
var DefaultRules = []Rule{
	{Name: "phrase", Pattern: regexp.MustCompile(`(?i)\b(?:verification|confirm(?:ation)?|security|login|sign.in|one.time|access|auth(?:entication)?)\s+code[:\s]+(\d{4,8})\b`)},
	{Name: "code", Pattern: regexp.MustCompile(`(?i)\bcode[:\s]+(\d{4,8})\b`)},
	{Name: "otp", Pattern: regexp.MustCompile(`(?i)\botp[:\s]+(\d{4,8})\b`)},
	{Name: "pin", Pattern: regexp.MustCompile(`(?i)\bpin[:\s]+(\d{4,8})\b`)},
	{Name: "token", Pattern: regexp.MustCompile(`(?i)\btoken[:\s]+(\d{4,8})\b`)},
	{Name: "is", Pattern: regexp.MustCompile(`(?i)\bis[:\s]+(\d{4,8})\b`)},
	{Name: "is-your-code", Pattern: regexp.MustCompile(`(?i)\b(\d{4,8})\s+is\s+your\s+(?:verification\s+)?code\b`)},
	{Name: "enter", Pattern: regexp.MustCompile(`(?i)\benter\s+(\d{4,8})\b`)},
	{Name: "alphanumeric", Pattern: regexp.MustCompile(`(?i)\b(?:code|token|otp)[:\s]+([A-Z0-9]{4,12})\b`), Accept: notProseWord},
}

var (
	bareNumberRegex = regexp.MustCompile(`\b(\d{4,8})\b`)
	yearRegex       = regexp.MustCompile(`^(19|20)\d{2}$`)
	centsRegex      = regexp.MustCompile(`^\.\d{2}`)
	whitespaceRegex = regexp.MustCompile(`[\s\p{Z}]+`)
)

const (
	// priceWindow 货币符号与数字之间允许的最大字符数
	priceWindow = 5
	// phoneDigits 连续数字串达到该长度视为电话号码
	phoneDigits = 9
)

// Extractor 验证码识别器，可并发使用
type Extractor struct {
	rules  []Rule
	policy *bluemonday.Policy
}

// New 使用给定规则创建识别器，未给出规则时使用 DefaultRules
func New(rules ...Rule) *Extractor {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	policy := bluemonday.StrictPolicy()
	policy.AddSpaceWhenStrippingTag(true)
	return &Extractor{rules: rules, policy: policy}
}

var defaultExtractor = New()

// Code 使用默认规则识别邮件中的验证码
func Code(msg *domain.Message) (string, bool) {
	return defaultExtractor.Extract(msg)
}

// Extract 识别邮件中的验证码，没有时返回 false
func (e *Extractor) Extract(msg *domain.Message) (string, bool) {
	if msg == nil {
		return "", false
	}
	return e.ExtractText(msg.Text + " " + msg.HTML)
}

// ExtractText 识别任意文本（可含 HTML）中的验证码
func (e *Extractor) ExtractText(content string) (string, bool) {
	text := e.PlainText(content)
	if text == "" {
		return "", false
	}

	for _, rule := range e.rules {
		if code, ok := matchRule(rule, text); ok {
			return code, true
		}
	}

	return fallback(text)
}

// PlainText 去除 HTML 标签、还原实体并合并空白
func (e *Extractor) PlainText(content string) string {
	stripped := html.UnescapeString(e.policy.Sanitize(content))
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(stripped, " "))
}

func matchRule(rule Rule, text string) (string, bool) {
	for _, m := range rule.Pattern.FindAllStringSubmatch(text, -1) {
		if len(m) < 2 || m[1] == "" {
			continue
		}
		if rule.Accept != nil && !rule.Accept(m[1]) {
			continue
		}
		return m[1], true
	}
	return "", false
}

// fallback 从左到右返回第一个不像年份、价格或电话号码的独立数字
func fallback(text string) (string, bool) {
	for _, loc := range bareNumberRegex.FindAllStringSubmatchIndex(text, -1) {
		start, end := loc[2], loc[3]
		num := text[start:end]

		if yearRegex.MatchString(num) {
			continue
		}
		if looksLikePrice(text, start, end) {
			continue
		}
		if looksLikePhone(text, start, end) {
			continue
		}
		return num, true
	}
	return "", false
}

func looksLikePrice(text string, start, end int) bool {
	from := backRunes(text, start, priceWindow)
	to := forwardRunes(text, end, priceWindow)
	if strings.ContainsAny(text[from:to], "$€£") {
		return true
	}
	return centsRegex.MatchString(text[end:])
}

// looksLikePhone 统计候选数字所在的、由电话分隔符连接的数字总数。
// 相邻数字组之间的间隔最多两个分隔符，句号后接空格视为句子结束。
func looksLikePhone(text string, start, end int) bool {
	digits := end - start

	// 向左
	i := start
	for {
		gapStart := i
		for gapStart > 0 && i-gapStart < 2 && isPhoneSeparator(text[gapStart-1]) {
			gapStart--
		}
		if gapStart == i || gapStart == 0 || !isDigit(text[gapStart-1]) || sentenceBreak(text[gapStart:i]) {
			break
		}
		j := gapStart
		for j > 0 && isDigit(text[j-1]) {
			j--
		}
		digits += gapStart - j
		i = j
	}

	// 向右
	i = end
	for {
		gapEnd := i
		for gapEnd < len(text) && gapEnd-i < 2 && isPhoneSeparator(text[gapEnd]) {
			gapEnd++
		}
		if gapEnd == i || gapEnd == len(text) || !isDigit(text[gapEnd]) || sentenceBreak(text[i:gapEnd]) {
			break
		}
		j := gapEnd
		for j < len(text) && isDigit(text[j]) {
			j++
		}
		digits += j - gapEnd
		i = j
	}

	return digits >= phoneDigits
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func isPhoneSeparator(b byte) bool {
	switch b {
	case ' ', '-', '.', '(', ')', '+':
		return true
	}
	return false
}

func sentenceBreak(gap string) bool {
	return strings.HasPrefix(gap, ". ")
}

// proseWords 邮件中常紧跟在 code/token/otp 之后的英文单词
var proseWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		above access after again also before below been cannot copied copy
		displayed does either enter entered expire expired expires expiring
		expiry field following from generated have here incorrect instead
		invalid into just listed login manually must once only please
		provided request requested required resend security send sent
		should shown sign soon that their then there these they this
		those until used valid verification confirmation were when which
		will with within works your`) {
		proseWords[w] = struct{}{}
	}
}

// notProseWord 含数字的串总是接受，纯字母的串不能是常见单词
func notProseWord(s string) bool {
	if strings.ContainsAny(s, "0123456789") {
		return true
	}
	_, common := proseWords[strings.ToLower(s)]
	return !common
}

// backRunes 返回从 pos 向左 n 个字符处的字节偏移
func backRunes(s string, pos, n int) int {
	for ; n > 0 && pos > 0; n-- {
		_, size := utf8.DecodeLastRuneInString(s[:pos])
		pos -= size
	}
	return pos
}

// forwardRunes 返回从 pos 向右 n 个字符处的字节偏移
func forwardRunes(s string, pos, n int) int {
	for ; n > 0 && pos < len(s); n-- {
		_, size := utf8.DecodeRuneInString(s[pos:])
		pos += size
	}
	return pos
}
