package chatlog

import (
	"fmt"
	"html"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/onnwee/chatrelay/chat"
	"github.com/onnwee/chatrelay/db"
)

const emoteURL = "https://static-cdn.jtvnw.net/emoticons/v2/%s/default/dark/1.0"

var urlRe = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"]+[^\s<>".,;:!?)\]'"]`)

// badge order in rendered lines.
var badgeOrder = []string{"staff", "admin", "broadcaster", "mod", "turbo", "subscriber"}

// Roles returns the comma separated role list stored alongside a line.
func Roles(l chat.Line) string {
	var out []string
	has := func(b string) bool { _, ok := l.Badges[b]; return ok }
	if l.Tags["user-type"] == "staff" || has("staff") {
		out = append(out, "staff")
	}
	if l.Tags["user-type"] == "admin" || has("admin") {
		out = append(out, "admin")
	}
	if "#"+l.Sender == l.Target || has("broadcaster") {
		out = append(out, "broadcaster")
	}
	if l.Mod {
		out = append(out, "mod")
	}
	if l.Tags["turbo"] == "1" || has("turbo") {
		out = append(out, "turbo")
	}
	if l.Sub {
		out = append(out, "subscriber")
	}
	return strings.Join(out, ",")
}

// Row converts a chat line into its persisted form, HTML included.
func Row(l chat.Line, notifyUser string) db.ChatRow {
	r := db.ChatRow{
		Time:        l.Time,
		Sender:      l.Sender,
		Target:      l.Target,
		Message:     l.Body,
		DisplayName: l.DisplayName,
		Color:       l.Color,
		Badges:      chat.BadgeString(l.Badges),
		Emotes:      l.Emotes,
		MsgID:       l.ID,
		Action:      l.Action,
		Roles:       Roles(l),
		Tags:        l.Tags,
	}
	r.HTML = Render(r, notifyUser)
	return r
}

// Render builds the HTML fragment for a persisted line.
func Render(r db.ChatRow, notifyUser string) string {
	ts := r.Time.Unix()
	if notifyUser != "" && strings.EqualFold(r.Sender, notifyUser) {
		return fmt.Sprintf(`<div class="notification line" data-timestamp="%d">%s</div>`, ts, html.EscapeString(r.Message))
	}

	msg := r.Message
	action := false
	if len(msg) >= 4 && (strings.EqualFold(msg[:4], "/me ") || strings.EqualFold(msg[:4], ".me ")) {
		action = true
		msg = msg[4:]
	}
	roles := map[string]bool{}
	for _, role := range strings.Split(r.Roles, ",") {
		if role != "" {
			roles[role] = true
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<div class="line" data-timestamp="%d">`, ts)
	for _, badge := range badgeOrder {
		if roles[badge] {
			fmt.Fprintf(&b, `<span class="badge %s"></span> `, badge)
		}
	}
	style := ""
	if r.Color != "" {
		style = fmt.Sprintf(` style="color:%s"`, html.EscapeString(r.Color))
	}
	name := r.DisplayName
	if name == "" {
		name = r.Sender
	}
	fmt.Fprintf(&b, `<span class="nick"%s>%s</span>`, style, html.EscapeString(name))
	if action {
		fmt.Fprintf(&b, ` <span class="action"%s>`, style)
	} else {
		b.WriteString(": ")
	}
	if r.Deleted {
		// Escaped only, so removed links are not live.
		b.WriteString(`<span class="deleted">&lt;message deleted&gt;</span>`)
		fmt.Fprintf(&b, `<span class="message cleared">%s</span>`, html.EscapeString(msg))
	} else {
		fmt.Fprintf(&b, `<span class="message">%s</span>`, renderBody(msg, r.Emotes))
	}
	if action {
		b.WriteString("</span>")
	}
	b.WriteString("</div>")
	return b.String()
}

// MessageHTML renders message text alone, with emotes and links, for event payloads.
func MessageHTML(msg, emotes string) string {
	return renderBody(msg, emotes)
}

type emoteSpan struct {
	id         string
	start, end int // rune indexes, inclusive
}

// parseEmotes reads the emotes tag ("id:start-end,start-end/id:...").
func parseEmotes(tag string) []emoteSpan {
	var out []emoteSpan
	for _, group := range strings.Split(tag, "/") {
		id, ranges, ok := strings.Cut(group, ":")
		if !ok || id == "" {
			continue
		}
		for _, rg := range strings.Split(ranges, ",") {
			a, z, ok := strings.Cut(rg, "-")
			if !ok {
				continue
			}
			start, err1 := strconv.Atoi(a)
			end, err2 := strconv.Atoi(z)
			if err1 != nil || err2 != nil || end < start {
				continue
			}
			out = append(out, emoteSpan{id: id, start: start, end: end})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

// renderBody escapes text, replaces tagged emotes with images and links URLs.
// Emote positions are rune offsets into the text after any action prefix.
func renderBody(msg, emotes string) string {
	runes := []rune(msg)
	var b strings.Builder
	pos := 0
	for _, e := range parseEmotes(emotes) {
		start, end := e.start, e.end
		if start < pos || end >= len(runes) {
			continue
		}
		b.WriteString(linkify(string(runes[pos:start])))
		alt := html.EscapeString(string(runes[start : end+1]))
		fmt.Fprintf(&b, `<img src="%s" alt="%s" title="%s">`, fmt.Sprintf(emoteURL, html.EscapeString(e.id)), alt, alt)
		pos = end + 1
	}
	b.WriteString(linkify(string(runes[pos:])))
	return b.String()
}

func linkify(s string) string {
	var b strings.Builder
	last := 0
	for _, m := range urlRe.FindAllStringIndex(s, -1) {
		b.WriteString(html.EscapeString(s[last:m[0]]))
		u := s[m[0]:m[1]]
		href := u
		if !strings.Contains(strings.ToLower(u), "://") {
			href = "http://" + u
		}
		fmt.Fprintf(&b, `<a target="_blank" href="%s" rel="noopener nofollow">%s</a>`, html.EscapeString(href), html.EscapeString(u))
		last = m[1]
	}
	b.WriteString(html.EscapeString(s[last:]))
	return b.String()
}
