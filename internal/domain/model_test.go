package domain

import "testing"

func TestStateString(t *testing.T) {
	cases := map[State]string{
		ReadGreeting:  "read_greeting",
		WriteGreeting: "write_greeting",
		ReadRequest:   "read_request",
		Resolve:       "resolve",
		Connect:       "connect",
		WriteReply:    "write_reply",
		Relay:         "relay",
		Closed:        "closed",
		State(99):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestNewSession(t *testing.T) {
	sess := NewSession(7, 42, 1024)
	if sess.SessionID != 7 {
		t.Errorf("SessionID = %d, want 7", sess.SessionID)
	}
	if sess.ClientFD != 42 {
		t.Errorf("ClientFD = %d, want 42", sess.ClientFD)
	}
	if sess.RemoteFD != 0 {
		t.Errorf("RemoteFD = %d, want 0 (unset)", sess.RemoteFD)
	}
	if len(sess.InBuf) != 1024 || len(sess.OutBuf) != 1024 {
		t.Errorf("buffer sizes = %d/%d, want 1024/1024", len(sess.InBuf), len(sess.OutBuf))
	}
	if sess.Phase != ReadGreeting {
		t.Errorf("Phase = %v, want ReadGreeting", sess.Phase)
	}
}
