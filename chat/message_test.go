package chat

import (
	"strings"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

func TestFromPrivate(t *testing.T) {
	r := Roles{Channel: "loadingreadyrun"}
	m := twitch.PrivateMessage{
		User:    twitch.User{Name: "SomeUser", DisplayName: "SomeUser", Color: "#FF0000", Badges: map[string]int{"subscriber": 12}},
		Tags:    map[string]string{"tmi-sent-ts": "1700000000000", "emotes": "25:0-4", "subscriber": "1"},
		Message: "Kappa hello",
		Channel: "LoadingReadyRun",
		ID:      "abc",
	}
	line := r.fromPrivate(m)
	if line.Sender != "someuser" || line.Target != "#loadingreadyrun" {
		t.Fatalf("unexpected sender/target: %q %q", line.Sender, line.Target)
	}
	if !line.Time.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("Time = %v, want server timestamp", line.Time)
	}
	if line.Mod || !line.Sub {
		t.Errorf("roles = mod %v sub %v, want sub only", line.Mod, line.Sub)
	}
	if line.Emotes != "25:0-4" || line.ID != "abc" {
		t.Errorf("emotes/id not carried: %+v", line)
	}
}

func TestFromPrivateAction(t *testing.T) {
	r := Roles{Channel: "chan"}
	line := r.fromPrivate(twitch.PrivateMessage{
		User:    twitch.User{Name: "a"},
		Message: "waves",
		Channel: "chan",
		Action:  true,
	})
	if !line.Action || line.Body != "/me waves" {
		t.Fatalf("action line = %+v", line)
	}
}

func TestRoles(t *testing.T) {
	r := Roles{Channel: "chan", Mods: []string{"Helper"}}
	tests := []struct {
		name   string
		login  string
		tags   map[string]string
		badges map[string]int
		mod    bool
		sub    bool
	}{
		{"plain", "viewer", nil, nil, false, false},
		{"mod tag", "viewer", map[string]string{"mod": "1"}, nil, true, false},
		{"staff user-type", "viewer", map[string]string{"user-type": "staff"}, nil, true, false},
		{"broadcaster badge", "viewer", nil, map[string]int{"broadcaster": 1}, true, false},
		{"channel owner", "CHAN", nil, nil, true, false},
		{"extra mod", "helper", nil, nil, true, false},
		{"founder", "viewer", nil, map[string]int{"founder": 0}, false, true},
		{"subscriber tag", "viewer", map[string]string{"subscriber": "1"}, nil, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.IsMod(tt.login, tt.tags, tt.badges); got != tt.mod {
				t.Errorf("IsMod = %v, want %v", got, tt.mod)
			}
			if got := r.IsSub(tt.tags, tt.badges); got != tt.sub {
				t.Errorf("IsSub = %v, want %v", got, tt.sub)
			}
		})
	}
}

func TestFromWhisper(t *testing.T) {
	r := Roles{Channel: "chan"}
	line := r.fromWhisper(twitch.WhisperMessage{
		User:      twitch.User{Name: "Viewer"},
		Message:   "!help",
		MessageID: "7",
	}, "LRRbot")
	if !line.Private || line.Target != "lrrbot" || line.Sender != "viewer" {
		t.Fatalf("whisper line = %+v", line)
	}
}

func TestFromUserNotice(t *testing.T) {
	n := fromUserNotice(twitch.UserNoticeMessage{
		User:      twitch.User{Name: "gifter", DisplayName: "Gifter"},
		Tags:      map[string]string{"login": "Gifter", "tmi-sent-ts": "1700000000000"},
		Channel:   "chan",
		ID:        "n1",
		MsgID:     "subgift",
		MsgParams: map[string]string{"msg-param-recipient-user-name": "lucky"},
		SystemMsg: "Gifter gifted a sub to lucky!",
	})
	if n.Login != "gifter" || n.Channel != "#chan" || n.MsgID != "subgift" {
		t.Fatalf("notice = %+v", n)
	}
	if n.Param("recipient-user-name") != "lucky" {
		t.Errorf("Param = %q", n.Param("recipient-user-name"))
	}
}

func TestFromClear(t *testing.T) {
	c := fromClearChat(twitch.ClearChatMessage{Channel: "chan", TargetUsername: "Spammer", BanDuration: 600})
	if c.Login != "spammer" || c.Duration != 600*time.Second || c.MsgID != "" {
		t.Fatalf("clearchat = %+v", c)
	}
	whole := fromClearChat(twitch.ClearChatMessage{Channel: "chan"})
	if whole.Login != "" {
		t.Fatalf("whole-channel clear should have empty login: %+v", whole)
	}
	msg := fromClearMessage(twitch.ClearMessage{Channel: "chan", Login: "x", TargetMsgID: "m1"})
	if msg.MsgID != "m1" || msg.Login != "x" {
		t.Fatalf("clearmsg = %+v", msg)
	}
}

func TestSelfLine(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	l := SelfLine("LRRbot", "LRRbot", "#chan", "/me dances", at)
	if !l.Self || !l.Action || l.Private || l.Sender != "lrrbot" || len(l.ID) != 26 {
		t.Fatalf("self line = %+v", l)
	}
	w := SelfLine("lrrbot", "LRRbot", "viewer", "hi", at)
	if !w.Private {
		t.Fatalf("whisper self line should be private")
	}
}

func TestBadgeString(t *testing.T) {
	got := BadgeString(map[string]int{"subscriber": 12, "moderator": 1})
	if got != "moderator/1,subscriber/12" {
		t.Fatalf("BadgeString = %q", got)
	}
	if BadgeString(nil) != "" {
		t.Fatalf("empty badges should render empty")
	}
	if !strings.Contains(BadgeString(map[string]int{"a": 0}), "a/0") {
		t.Fatalf("zero version missing")
	}
}

func TestModeGrants(t *testing.T) {
	tests := []struct {
		args string
		want []string
	}{
		{"+o Alice", []string{"alice"}},
		{"-o alice", nil},
		{"+oo alice bob", []string{"alice", "bob"}},
		{"+v-o+o alice bob carol", []string{"carol"}},
		{"+o", nil},
		{"", nil},
	}
	for _, tt := range tests {
		got := modeGrants(tt.args)
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("modeGrants(%q) = %v, want %v", tt.args, got, tt.want)
		}
	}
}

func TestOpSetMakesModerator(t *testing.T) {
	r := Roles{Channel: "chan", Ops: &OpSet{}}
	if r.IsMod("helper", nil, nil) {
		t.Fatal("helper is mod before +o")
	}
	if !r.Ops.Add("Helper") || r.Ops.Add("helper") {
		t.Fatal("Add should report only the first grant")
	}
	if !r.IsMod("HELPER", nil, nil) {
		t.Fatal("helper is not mod after +o")
	}
	var none *OpSet
	if none.Has("helper") {
		t.Fatal("nil set has members")
	}
}
