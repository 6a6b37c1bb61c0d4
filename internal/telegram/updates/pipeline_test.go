package updates_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"telegram-client/internal/telegram/peers"
	"telegram-client/internal/telegram/updates"
)

// collectDispatcher копит конверты в порядке получения.
type collectDispatcher struct {
	mu        sync.Mutex
	envelopes []updates.Envelope
}

func (d *collectDispatcher) Dispatch(_ context.Context, e updates.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.envelopes = append(d.envelopes, e)
	return nil
}

func (d *collectDispatcher) all() []updates.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	result := make([]updates.Envelope, len(d.envelopes))
	copy(result, d.envelopes)
	return result
}

// waitFor ждёт, пока условие не выполнится (воркеры асинхронны).
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// fakeDiffAPI отвечает на запросы разницы и записывает их параметры.
type fakeDiffAPI struct {
	mu sync.Mutex

	channelDiffReqs []*tg.UpdatesGetChannelDifferenceRequest
	channelDiff     tg.UpdatesChannelDifferenceClass
	channelDiffErr  error

	diffReqs []*tg.UpdatesGetDifferenceRequest
	diff     tg.UpdatesDifferenceClass
}

func (f *fakeDiffAPI) UpdatesGetChannelDifference(_ context.Context, req *tg.UpdatesGetChannelDifferenceRequest) (tg.UpdatesChannelDifferenceClass, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channelDiffReqs = append(f.channelDiffReqs, req)
	if f.channelDiffErr != nil {
		return nil, f.channelDiffErr
	}
	if f.channelDiff == nil {
		return &tg.UpdatesChannelDifferenceEmpty{}, nil
	}
	return f.channelDiff, nil
}

func (f *fakeDiffAPI) UpdatesGetDifference(_ context.Context, req *tg.UpdatesGetDifferenceRequest) (tg.UpdatesDifferenceClass, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diffReqs = append(f.diffReqs, req)
	if f.diff == nil {
		return &tg.UpdatesDifferenceEmpty{}, nil
	}
	return f.diff, nil
}

// staticResolver выдаёт один и тот же InputPeer на любой id.
type staticResolver struct {
	peer tg.InputPeerClass
}

func (r *staticResolver) ResolveID(context.Context, int64) (tg.InputPeerClass, error) {
	return r.peer, nil
}

func newTestStore(t *testing.T) *peers.Store {
	t.Helper()
	st, db, err := peers.Open(filepath.Join(t.TempDir(), "peers.bbolt"))
	if err != nil {
		t.Fatalf("peers.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return st
}

func newPipeline(t *testing.T, api *fakeDiffAPI, d *collectDispatcher) (*updates.Pipeline, *peers.Store) {
	t.Helper()
	st := newTestStore(t)
	p := updates.NewPipeline(updates.Config{
		Store:      st,
		API:        api,
		Resolver:   &staticResolver{peer: &tg.InputPeerChannel{ChannelID: 99, AccessHash: 7}},
		Dispatcher: d,
		Workers:    1, // один воркер сохраняет порядок конвертов
		QueueSize:  16,
	})
	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return p, st
}

func fullUser(id int64, name string) *tg.User {
	u := &tg.User{ID: id}
	u.SetUsername(name)
	u.SetAccessHash(1000 + id)
	return u
}

func TestContainerDispatchedPerUpdate(t *testing.T) {
	t.Parallel()

	d := &collectDispatcher{}
	p, st := newPipeline(t, &fakeDiffAPI{}, d)

	p.Enqueue(&tg.Updates{
		Updates: []tg.UpdateClass{
			&tg.UpdateUserTyping{UserID: 1},
			&tg.UpdateDeleteMessages{Messages: []int{10}},
		},
		Users: []tg.UserClass{fullUser(1, "alice")},
		Chats: []tg.ChatClass{&tg.Chat{ID: 20}},
	})

	waitFor(t, func() bool { return len(d.all()) == 2 })

	envelopes := d.all()
	if _, ok := envelopes[0].Update.(*tg.UpdateUserTyping); !ok {
		t.Errorf("first envelope: %T", envelopes[0].Update)
	}
	if _, ok := envelopes[1].Update.(*tg.UpdateDeleteMessages); !ok {
		t.Errorf("second envelope: %T", envelopes[1].Update)
	}
	// Обе разворачиваются с общими картами сущностей контейнера.
	for i, e := range envelopes {
		if _, ok := e.Users[1]; !ok {
			t.Errorf("envelope %d: user 1 missing", i)
		}
		if _, ok := e.Chats[20]; !ok {
			t.Errorf("envelope %d: chat 20 missing", i)
		}
	}

	// Сущности контейнера попали в долговременный кэш.
	rec, err := st.ByID(1)
	if err != nil {
		t.Fatalf("ByID(1): %v", err)
	}
	if rec.Username != "alice" {
		t.Errorf("harvested record: %+v", rec)
	}
}

func TestMinContainerTriggersChannelDifference(t *testing.T) {
	t.Parallel()

	extra := fullUser(5, "author")
	api := &fakeDiffAPI{
		channelDiff: &tg.UpdatesChannelDifference{
			Users: []tg.UserClass{extra},
		},
	}
	d := &collectDispatcher{}
	p, _ := newPipeline(t, api, d)

	msg := &tg.Message{ID: 42, PeerID: &tg.PeerChannel{ChannelID: 99}}
	p.Enqueue(&tg.Updates{
		Updates: []tg.UpdateClass{
			&tg.UpdateNewChannelMessage{Message: msg, Pts: 107, PtsCount: 2},
		},
		Users: []tg.UserClass{&tg.User{ID: 5}}, // min: без access_hash
	})

	waitFor(t, func() bool { return len(d.all()) == 1 })

	api.mu.Lock()
	reqs := api.channelDiffReqs
	api.mu.Unlock()
	if len(reqs) != 1 {
		t.Fatalf("channel difference calls: got %d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Pts != 105 || req.Limit != 107 {
		t.Errorf("difference window: pts=%d limit=%d", req.Pts, req.Limit)
	}
	filter, ok := req.Filter.(*tg.ChannelMessagesFilter)
	if !ok || len(filter.Ranges) != 1 || filter.Ranges[0].MinID != 42 || filter.Ranges[0].MaxID != 42 {
		t.Errorf("difference filter: %#v", req.Filter)
	}

	// Карта конверта дополнена полной сущностью из разницы.
	envelope := d.all()[0]
	if got, ok := envelope.Users[5]; !ok || got != tg.UserClass(extra) {
		t.Errorf("envelope users: %#v", envelope.Users)
	}
}

// min-контейнер с другим видом канального апдейта проходит без коррекции:
// разницу канала запрашивает только новое сообщение.
func TestMinContainerOtherChannelUpdatePassesThrough(t *testing.T) {
	t.Parallel()

	api := &fakeDiffAPI{}
	d := &collectDispatcher{}
	p, _ := newPipeline(t, api, d)

	msg := &tg.Message{ID: 42, PeerID: &tg.PeerChannel{ChannelID: 99}}
	p.Enqueue(&tg.Updates{
		Updates: []tg.UpdateClass{
			&tg.UpdateEditChannelMessage{Message: msg, Pts: 107, PtsCount: 1},
		},
		Users: []tg.UserClass{&tg.User{ID: 5}}, // min: без access_hash
	})

	waitFor(t, func() bool { return len(d.all()) == 1 })

	api.mu.Lock()
	diffCalls := len(api.channelDiffReqs)
	api.mu.Unlock()
	if diffCalls != 0 {
		t.Errorf("channel difference calls: got %d, want 0", diffCalls)
	}
	if _, ok := d.all()[0].Update.(*tg.UpdateEditChannelMessage); !ok {
		t.Errorf("envelope update: %T", d.all()[0].Update)
	}
}

func TestMinContainerChannelPrivateSwallowed(t *testing.T) {
	t.Parallel()

	api := &fakeDiffAPI{
		channelDiffErr: tgerr.New(400, "CHANNEL_PRIVATE"),
	}
	d := &collectDispatcher{}
	p, _ := newPipeline(t, api, d)

	msg := &tg.Message{ID: 42, PeerID: &tg.PeerChannel{ChannelID: 99}}
	p.Enqueue(&tg.Updates{
		Updates: []tg.UpdateClass{
			&tg.UpdateNewChannelMessage{Message: msg, Pts: 10, PtsCount: 1},
		},
		Users: []tg.UserClass{&tg.User{ID: 5}},
	})

	// Конверт всё равно доходит до диспетчера.
	waitFor(t, func() bool { return len(d.all()) == 1 })
}

func TestShortMessageExpanded(t *testing.T) {
	t.Parallel()

	author := fullUser(7, "bob")
	api := &fakeDiffAPI{
		diff: &tg.UpdatesDifference{
			NewMessages: []tg.MessageClass{
				&tg.Message{ID: 55, Message: "hi"},
			},
			Users: []tg.UserClass{author},
		},
	}
	d := &collectDispatcher{}
	p, _ := newPipeline(t, api, d)

	p.Enqueue(&tg.UpdateShortMessage{ID: 55, UserID: 7, Pts: 200, PtsCount: 1, Date: 1700000000})

	waitFor(t, func() bool { return len(d.all()) == 1 })

	api.mu.Lock()
	req := api.diffReqs[0]
	api.mu.Unlock()
	if req.Pts != 199 || req.Date != 1700000000 || req.Qts != -1 {
		t.Errorf("getDifference request: %+v", req)
	}

	envelope := d.all()[0]
	newMsg, ok := envelope.Update.(*tg.UpdateNewMessage)
	if !ok {
		t.Fatalf("envelope update: %T", envelope.Update)
	}
	if newMsg.Pts != 200 || newMsg.PtsCount != 1 {
		t.Errorf("synthesized pts: %d/%d", newMsg.Pts, newMsg.PtsCount)
	}
	if _, ok := envelope.Users[7]; !ok {
		t.Error("envelope users missing author")
	}
}

func TestShortMessageOtherUpdatesFallback(t *testing.T) {
	t.Parallel()

	api := &fakeDiffAPI{
		diff: &tg.UpdatesDifference{
			OtherUpdates: []tg.UpdateClass{&tg.UpdateReadHistoryInbox{MaxID: 5}},
		},
	}
	d := &collectDispatcher{}
	p, _ := newPipeline(t, api, d)

	p.Enqueue(&tg.UpdateShortChatMessage{ID: 1, Pts: 10, PtsCount: 1, Date: 1})

	waitFor(t, func() bool { return len(d.all()) == 1 })

	envelope := d.all()[0]
	if _, ok := envelope.Update.(*tg.UpdateReadHistoryInbox); !ok {
		t.Fatalf("envelope update: %T", envelope.Update)
	}
	if len(envelope.Users) != 0 || len(envelope.Chats) != 0 {
		t.Error("fallback envelope must carry empty entity maps")
	}
}

func TestUpdateShortForwardedAsIs(t *testing.T) {
	t.Parallel()

	d := &collectDispatcher{}
	p, _ := newPipeline(t, &fakeDiffAPI{}, d)

	inner := &tg.UpdateUserStatus{UserID: 3}
	p.Enqueue(&tg.UpdateShort{Update: inner, Date: 1})

	waitFor(t, func() bool { return len(d.all()) == 1 })
	if d.all()[0].Update != tg.UpdateClass(inner) {
		t.Errorf("envelope update: %#v", d.all()[0].Update)
	}
}

func TestTooLongOnlyWarns(t *testing.T) {
	t.Parallel()

	d := &collectDispatcher{}
	p, _ := newPipeline(t, &fakeDiffAPI{}, d)

	p.Enqueue(&tg.UpdatesTooLong{})
	p.Enqueue(&tg.UpdateShort{Update: &tg.UpdateUserStatus{UserID: 1}, Date: 1})

	// Второй контейнер дошёл, первый не породил конвертов.
	waitFor(t, func() bool { return len(d.all()) == 1 })
	if _, ok := d.all()[0].Update.(*tg.UpdateUserStatus); !ok {
		t.Errorf("envelope update: %T", d.all()[0].Update)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()

	d := &collectDispatcher{}
	p, _ := newPipeline(t, &fakeDiffAPI{}, d)

	for i := 0; i < 10; i++ {
		p.Enqueue(&tg.UpdateShort{Update: &tg.UpdateUserStatus{UserID: int64(i)}, Date: 1})
	}
	p.Stop()

	if got := len(d.all()); got != 10 {
		t.Errorf("after Stop: got %d envelopes, want 10", got)
	}

	// Enqueue после Stop не блокируется и не паникует.
	p.Enqueue(&tg.UpdateShort{Update: &tg.UpdateUserStatus{UserID: 99}, Date: 1})
	if got := len(d.all()); got != 10 {
		t.Errorf("after late Enqueue: got %d envelopes, want 10", got)
	}
}
