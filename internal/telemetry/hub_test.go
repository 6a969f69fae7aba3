package telemetry

import "testing"

func newTestClient() *Client {
	return &Client{Out: make(chan []byte, 2), Closed: make(chan struct{})}
}

func TestHubBroadcastDeliversToAllClients(t *testing.T) {
	h := NewHub()
	c1, c2 := newTestClient(), newTestClient()
	h.Add(c1)
	h.Add(c2)

	h.Broadcast([]byte("hello"))

	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.Out:
			if string(got) != "hello" {
				t.Errorf("got %q, want hello", got)
			}
		default:
			t.Error("expected a buffered frame")
		}
	}
}

func TestHubBroadcastDropsWhenBufferFullUnderPolicyDrop(t *testing.T) {
	h := NewHub()
	h.Policy = PolicyDrop
	c := &Client{Out: make(chan []byte, 1), Closed: make(chan struct{})}
	h.Add(c)

	h.Broadcast([]byte("a"))
	h.Broadcast([]byte("b")) // buffer full: dropped silently, client stays connected

	if h.Count() != 1 {
		t.Fatalf("Count() = %d, want 1 (client must not be kicked under PolicyDrop)", h.Count())
	}
	got := <-c.Out
	if string(got) != "a" {
		t.Errorf("got %q, want a (b was dropped)", got)
	}
}

func TestHubBroadcastKicksWhenBufferFullUnderPolicyKick(t *testing.T) {
	h := NewHub()
	h.Policy = PolicyKick
	c := &Client{Out: make(chan []byte, 1), Closed: make(chan struct{})}
	h.Add(c)

	h.Broadcast([]byte("a"))
	h.Broadcast([]byte("b")) // buffer full: client is kicked

	select {
	case <-c.Closed:
	default:
		t.Fatal("expected client to be closed under PolicyKick")
	}
}

func TestHubRemoveIsIdempotent(t *testing.T) {
	h := NewHub()
	c := newTestClient()
	h.Add(c)
	h.Remove(c)
	h.Remove(c) // must not panic or double-close
	if h.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", h.Count())
	}
}
