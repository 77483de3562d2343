package notify

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/chatrelay/chat"
	"github.com/onnwee/chatrelay/events"
)

type fakeStorm struct{ counts map[string]int64 }

func (f *fakeStorm) Increment(_ context.Context, kind string, by int64) (int64, error) {
	f.counts[kind] += by
	return f.counts[kind], nil
}

func (f *fakeStorm) Combined(context.Context) (int64, error) {
	return f.counts[events.KindSubscription] + f.counts[events.KindResubscription], nil
}

type fakeChat struct{ lines []string }

func (f *fakeChat) Send(target, text string) { f.lines = append(f.lines, target+" "+text) }

type fakeLog struct {
	system []string
	lines  []chat.Line
}

func (f *fakeLog) Log(l chat.Line) bool { f.lines = append(f.lines, l); return true }
func (f *fakeLog) LogSystem(_ string, text string, _ time.Time) bool {
	f.system = append(f.system, text)
	return true
}

type fakeAvatars map[string]string

func (f fakeAvatars) Avatar(_ context.Context, login string) string { return f[login] }

type harness struct {
	p     *Processor
	storm *fakeStorm
	chat  *fakeChat
	log   *fakeLog
	clock time.Time
	out   []events.Event
}

func newHarness() *harness {
	h := &harness{storm: &fakeStorm{counts: map[string]int64{}}, chat: &fakeChat{}, log: &fakeLog{}}
	h.clock = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h.p = New(Options{Channel: "chan", GiftTimeout: 120 * time.Second, Debounce: 600 * time.Second},
		h.storm, fakeAvatars{"bene": "https://img/bene.png"}, h.chat, h.log)
	h.p.now = func() time.Time { return h.clock }
	return h
}

// run plays submissions through the same steps the event log writer uses.
func (h *harness) run(subs []events.Submission) {
	for _, s := range subs {
		if s.Prepare != nil {
			s.Prepare(context.Background(), s.Data)
		}
		ev := events.Event{ID: int64(len(h.out) + 1), Kind: s.Kind, Time: s.Time, Data: s.Data}
		h.out = append(h.out, ev)
		if s.Done != nil {
			s.Done(ev)
		}
	}
}

func (h *harness) notice(msgID, login string, params map[string]string) chat.Notice {
	full := map[string]string{}
	for k, v := range params {
		full["msg-param-"+k] = v
	}
	return chat.Notice{ID: login + msgID + fmt.Sprint(len(h.out)), Time: h.clock, Channel: "#chan", MsgID: msgID, Login: login, DisplayName: strings.ToUpper(login[:1]) + login[1:], Params: full}
}

func TestMassGiftCoalescing(t *testing.T) {
	h := newHarness()
	h.run(h.p.Notice(h.notice("submysterygift", "bene", map[string]string{"mass-gift-count": "3"})))
	if h.p.Pending() != 1 || len(h.out) != 0 {
		t.Fatalf("envelope should open a pending gift and emit nothing")
	}
	for _, r := range []string{"r1", "r2", "r3"} {
		h.run(h.p.Notice(h.notice("subgift", "bene", map[string]string{"recipient-user-name": r, "recipient-display-name": strings.ToUpper(r)})))
	}
	if len(h.out) != 4 {
		t.Fatalf("events = %d, want 4", len(h.out))
	}
	for i, want := range []string{"R1", "R2", "R3"} {
		ev := h.out[i]
		if ev.Kind != events.KindSubscription || ev.Data["name"] != want || ev.Data["benefactor"] != "Bene" || ev.Data["ismulti"] != true {
			t.Fatalf("event %d = %s %v", i, ev.Kind, ev.Data)
		}
	}
	sum := h.out[3]
	if sum.Kind != events.KindMysteryGift || sum.Data["name"] != "Bene" || sum.Data["subcount"] != 3 {
		t.Fatalf("summary = %s %v", sum.Kind, sum.Data)
	}
	subs := sum.Data["subscribers"].([]map[string]any)
	if len(subs) != 3 || subs[2]["name"] != "R3" || subs[0]["count"] != int64(1) {
		t.Fatalf("subscribers = %v", subs)
	}
	if sum.Data["avatar"] != "https://img/bene.png" {
		t.Errorf("avatar = %v", sum.Data["avatar"])
	}
	if h.p.Pending() != 0 {
		t.Fatalf("pending gift not removed")
	}
	if len(h.chat.lines) != 1 || h.chat.lines[0] != "#chan Thanks for the gifts, Bene! Welcome to R1, R2, and R3! (Today's storm count: 3)" {
		t.Fatalf("chat = %v", h.chat.lines)
	}
}

func TestMassGiftTimeout(t *testing.T) {
	h := newHarness()
	h.run(h.p.Notice(h.notice("submysterygift", "bene", map[string]string{"mass-gift-count": "5"})))
	for _, r := range []string{"r1", "r2"} {
		h.run(h.p.Notice(h.notice("subgift", "bene", map[string]string{"recipient-user-name": r})))
	}
	h.clock = h.clock.Add(119 * time.Second)
	h.run(h.p.Sweep())
	if len(h.out) != 2 {
		t.Fatalf("gift emitted before timeout")
	}
	h.clock = h.clock.Add(2 * time.Second)
	h.run(h.p.Sweep())
	if len(h.out) != 3 {
		t.Fatalf("events = %d, want 3", len(h.out))
	}
	sum := h.out[2]
	if sum.Kind != events.KindMysteryGift || len(sum.Data["subscribers"].([]map[string]any)) != 2 || sum.Data["subcount"] != 5 {
		t.Fatalf("summary = %v", sum.Data)
	}
}

func TestEnvelopeReplacesOpenGift(t *testing.T) {
	h := newHarness()
	h.run(h.p.Notice(h.notice("submysterygift", "bene", map[string]string{"mass-gift-count": "2"})))
	h.run(h.p.Notice(h.notice("submysterygift", "bene", map[string]string{"mass-gift-count": "1"})))
	if len(h.out) != 1 || h.out[0].Kind != events.KindMysteryGift || len(h.out[0].Data["subscribers"].([]map[string]any)) != 0 {
		t.Fatalf("previous gift not flushed: %v", h.out)
	}
	if !strings.Contains(h.chat.lines[0], "Welcome to all 2 recipients!") {
		t.Fatalf("chat = %v", h.chat.lines)
	}
	if h.p.Pending() != 1 {
		t.Fatalf("new gift not opened")
	}
}

func TestSingleSubAndResub(t *testing.T) {
	h := newHarness()
	n := h.notice("sub", "viewer", map[string]string{"sub-plan": "1000"})
	n.Message = "Kappa hi"
	n.Emotes = "25:0-4"
	h.run(h.p.Notice(n))
	h.run(h.p.Notice(h.notice("resub", "other", map[string]string{"cumulative-months": "7", "streak-months": "3"})))

	if len(h.out) != 2 {
		t.Fatalf("events = %d", len(h.out))
	}
	first := h.out[0]
	if first.Kind != events.KindSubscription || first.Data["ismulti"] != false || first.Data["tier"] != "1000" || first.Data["count"] != int64(1) {
		t.Fatalf("sub = %v", first.Data)
	}
	if !strings.Contains(first.Data["messagehtml"].(string), "<img") {
		t.Errorf("messagehtml = %v", first.Data["messagehtml"])
	}
	second := h.out[1]
	if second.Kind != events.KindResubscription || second.Data["monthcount"] != 7 || second.Data["streak"] != 3 {
		t.Fatalf("resub = %v", second.Data)
	}
	want := []string{
		"#chan Thanks for subscribing, Viewer! (Today's storm count: 1)",
		"#chan Thanks for subscribing, Other! (Today's storm count: 2)",
	}
	if len(h.chat.lines) != 2 || h.chat.lines[0] != want[0] || h.chat.lines[1] != want[1] {
		t.Fatalf("chat = %v", h.chat.lines)
	}
	if len(h.log.system) != 2 || h.log.system[0] != "Viewer just subscribed!" || h.log.system[1] != "Other has subscribed for 7 months!" {
		t.Fatalf("system lines = %v", h.log.system)
	}
	if len(h.log.lines) != 1 || h.log.lines[0].Body != "Kappa hi" || h.log.lines[0].Sender != "viewer" {
		t.Fatalf("attached message not logged: %v", h.log.lines)
	}
}

func TestSubscriberDebounce(t *testing.T) {
	h := newHarness()
	h.run(h.p.Notice(h.notice("sub", "viewer", nil)))
	h.clock = h.clock.Add(5 * time.Minute)
	h.run(h.p.Notice(h.notice("resub", "viewer", map[string]string{"cumulative-months": "2"})))
	if len(h.out) != 1 {
		t.Fatalf("repeat announcement within debounce produced an event")
	}
	if len(h.log.system) != 2 {
		t.Fatalf("system message should still be logged")
	}
	h.clock = h.clock.Add(10 * time.Minute)
	h.run(h.p.Notice(h.notice("resub", "viewer", map[string]string{"cumulative-months": "2"})))
	if len(h.out) != 2 {
		t.Fatalf("announcement after debounce dropped")
	}
}

func TestRaid(t *testing.T) {
	h := newHarness()
	h.run(h.p.Notice(h.notice("raid", "raider", map[string]string{"login": "Raider", "displayName": "Raider", "viewerCount": "42", "profileImageURL": "https://img/r.png"})))
	if len(h.out) != 1 {
		t.Fatalf("events = %d", len(h.out))
	}
	ev := h.out[0]
	if ev.Kind != events.KindRaid || ev.Data["count"] != 42 || ev.Data["login"] != "raider" || ev.Data["avatar"] != "https://img/r.png" {
		t.Fatalf("raid = %v", ev.Data)
	}
	if h.storm.counts[events.KindRaid] != 1 {
		t.Fatalf("raid storm = %d", h.storm.counts[events.KindRaid])
	}
	if h.log.system[0] != "42 raiders from Raider have joined!" {
		t.Fatalf("system = %v", h.log.system)
	}
}

func TestUnknownNotice(t *testing.T) {
	h := newHarness()
	n := h.notice("announcement", "mod", nil)
	n.SystemMsg = "Announcement"
	n.Message = "hello"
	h.run(h.p.Notice(n))
	if len(h.out) != 1 || h.out[0].Kind != events.KindMessage || h.out[0].Data["message"] != "Announcement\u2014hello" {
		t.Fatalf("events = %v", h.out)
	}
	if len(h.log.system) != 2 {
		t.Fatalf("system = %v", h.log.system)
	}
	if subs := h.p.Notice(h.notice("ritual", "x", nil)); len(subs) != 0 {
		t.Fatalf("empty unknown notice produced %d events", len(subs))
	}
}

func TestCheer(t *testing.T) {
	h := newHarness()
	if subs := h.p.Cheer(chat.Line{Body: "hi"}); subs != nil {
		t.Fatalf("line without bits produced events")
	}
	h.run(h.p.Cheer(chat.Line{Sender: "v", DisplayName: "V", Body: "cheer100 gg", Bits: 100}))
	h.run(h.p.Cheer(chat.Line{Sender: "v", Body: "cheer50", Bits: 50}))
	if h.out[0].Data["level"] != "purple" || h.out[0].Data["count"] != int64(100) {
		t.Fatalf("cheer = %v", h.out[0].Data)
	}
	if h.out[1].Data["count"] != int64(150) || h.out[1].Data["name"] != "v" {
		t.Fatalf("second cheer = %v", h.out[1].Data)
	}
}

func TestCheerLevel(t *testing.T) {
	tests := map[int]string{1: "gray", 99: "gray", 100: "purple", 1000: "green", 4999: "green", 5000: "blue", 10000: "red", 0: "gray"}
	for bits, want := range tests {
		if got := CheerLevel(bits); got != want {
			t.Errorf("CheerLevel(%d) = %s, want %s", bits, got, want)
		}
	}
}

func TestGiftThanksFallsBackWhenTooLong(t *testing.T) {
	names := make([]string, 60)
	for i := range names {
		names[i] = fmt.Sprintf("recipient_number_%02d", i)
	}
	got := giftThanks("Bene", 60, names, 9)
	if got != "Thanks for the gifts, Bene! Welcome to all 60 recipients! (Today's storm count: 9)" {
		t.Fatalf("giftThanks = %q", got)
	}
	if got := giftThanks("Bene", 1, []string{"A"}, 1); got != "Thanks for the gift, Bene! Welcome to A! (Today's storm count: 1)" {
		t.Fatalf("single = %q", got)
	}
	if got := giftThanks("Bene", 2, []string{"A", "B"}, 1); !strings.Contains(got, "Welcome to A and B!") {
		t.Fatalf("pair = %q", got)
	}
}

func TestFollowAndStream(t *testing.T) {
	h := newHarness()
	h.run([]events.Submission{h.p.Follow("newbie", "Newbie", h.clock), h.p.Stream(true, h.clock), h.p.Stream(false, h.clock)})
	if h.out[0].Kind != events.KindFollow || h.out[0].Data["count"] != int64(1) || h.out[0].Data["name"] != "Newbie" {
		t.Fatalf("follow = %v", h.out[0].Data)
	}
	if h.out[1].Kind != events.KindStreamUp || h.out[2].Kind != events.KindStreamDown {
		t.Fatalf("stream kinds = %s %s", h.out[1].Kind, h.out[2].Kind)
	}
}
