package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/jsontime"

	"github.com/twbeatles/intranet-messenger/pkg/e2e"
	"github.com/twbeatles/intranet-messenger/pkg/event"
)

type sendCall struct {
	cmd     string
	payload map[string]any
}

type recordingSender struct {
	ok    bool
	calls []sendCall
}

func (s *recordingSender) Send(cmd string, payload any) bool {
	m, _ := payload.(map[string]any)
	s.calls = append(s.calls, sendCall{cmd: cmd, payload: m})
	return s.ok
}

func (s *recordingSender) lastCall(cmd string) *sendCall {
	for i := len(s.calls) - 1; i >= 0; i-- {
		if s.calls[i].cmd == cmd {
			return &s.calls[i]
		}
	}
	return nil
}

type fakeFetcher struct {
	messages []event.Message
	members  []event.Member
	rooms    []event.Room
	err      error
}

func (f *fakeFetcher) Messages(context.Context, int64, MessagesQuery) ([]event.Message, error) {
	return f.messages, f.err
}

func (f *fakeFetcher) Members(context.Context, int64) ([]event.Member, error) {
	return f.members, f.err
}

func (f *fakeFetcher) Rooms(context.Context) ([]event.Room, error) {
	return f.rooms, f.err
}

type notifyCall struct {
	roomID  int64
	msgID   int64
	mention bool
}

type recordingRenderer struct {
	NopRenderer
	added         []*Message
	changed       []*Message
	readerChanges map[int64]int
	typingNames   []string
	presence      map[int64]string
}

func newRecordingRenderer() *recordingRenderer {
	return &recordingRenderer{
		readerChanges: make(map[int64]int),
		presence:      make(map[int64]string),
	}
}

func (r *recordingRenderer) MessageAdded(_ int64, msg *Message)   { r.added = append(r.added, msg) }
func (r *recordingRenderer) MessageChanged(_ int64, msg *Message) { r.changed = append(r.changed, msg) }
func (r *recordingRenderer) ReaderCountChanged(_, messageID int64, outstanding int) {
	r.readerChanges[messageID] = outstanding
}
func (r *recordingRenderer) TypingChanged(_ int64, names []string) { r.typingNames = names }
func (r *recordingRenderer) PresenceChanged(userID int64, status string) {
	r.presence[userID] = status
}

type recordingNotifier struct {
	calls []notifyCall
}

func (n *recordingNotifier) Notify(room *Room, msg *Message, mention bool) {
	call := notifyCall{msgID: msg.ID, mention: mention}
	if room != nil {
		call.roomID = room.ID
	}
	n.calls = append(n.calls, call)
}

type testEnv struct {
	engine   *Engine
	sender   *recordingSender
	fetcher  *fakeFetcher
	renderer *recordingRenderer
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T, tweak func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		sender:   &recordingSender{ok: true},
		fetcher:  &fakeFetcher{},
		renderer: newRecordingRenderer(),
		notifier: &recordingNotifier{},
	}
	opts := Options{
		Log:      zerolog.Nop(),
		SelfID:   1,
		SelfName: "alice",
		Sender:   env.sender,
		Fetcher:  env.fetcher,
		Renderer: env.renderer,
		Notifier: env.notifier,
	}
	if tweak != nil {
		tweak(&opts)
	}
	env.engine = New(opts)
	t.Cleanup(env.engine.cancel)
	return env
}

// openRoom materializes a thread directly, bypassing the network fetch, so
// tests can drive the ingestion pipeline synchronously.
func (env *testEnv) openRoom(room *Room, members []Member) {
	room.Members = members
	env.engine.rooms.applyFullReload([]*Room{room})
	env.engine.openRoomID = room.ID
	env.engine.openThread = newThread(room.ID)
	env.engine.receipts = env.engine.newReceipts()
	env.engine.receipts.rebuild(nil, members)
}

func wireMsg(id, roomID, senderID int64, content string) *event.Message {
	return &event.Message{
		ID:        id,
		RoomID:    roomID,
		SenderID:  senderID,
		Kind:      KindText,
		Content:   content,
		CreatedAt: jsontime.UM(time.UnixMilli(1700000000000 + id*1000)),
	}
}

func TestLiveMessageInOpenRoom(t *testing.T) {
	// Room with members {alice self, bob}; bob sends while the room is
	// open: unread stays 0, markRead is emitted and the message has no
	// outstanding readers.
	env := newTestEnv(t, nil)
	env.openRoom(&Room{ID: 9, Kind: "direct"}, []Member{
		{UserID: 1, Nickname: "alice"},
		{UserID: 2, Nickname: "bob"},
	})

	env.engine.applyMessage(wireMsg(50, 9, 2, "hi"))

	assert.Equal(t, 0, env.engine.rooms.get(9).UnreadCount)
	read := env.sender.lastCall(event.CmdMarkRead)
	require.NotNil(t, read, "expected a mark-read command")
	assert.EqualValues(t, 50, read.payload["message_id"])

	msg := env.engine.openThread.get(50)
	require.NotNil(t, msg)
	assert.Equal(t, 0, msg.OutstandingReaders)
	require.Len(t, env.renderer.added, 1)
}

func TestLiveMessageInBackgroundRoom(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.rooms.applyFullReload([]*Room{
		{ID: 9, Kind: "group"},
		{ID: 10, Kind: "group"},
	})
	env.engine.openRoomID = 9
	env.engine.openThread = newThread(9)

	env.engine.applyMessage(wireMsg(7, 10, 2, "psst"))

	assert.Equal(t, 1, env.engine.rooms.get(10).UnreadCount)
	assert.Equal(t, "psst", env.engine.rooms.get(10).Preview)
	assert.Nil(t, env.sender.lastCall(event.CmdMarkRead))
	require.Len(t, env.notifier.calls, 1)
	assert.EqualValues(t, 10, env.notifier.calls[0].roomID)
}

func TestMutedRoomSuppressesNotification(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.rooms.applyFullReload([]*Room{{ID: 10, Muted: true}})

	env.engine.applyMessage(wireMsg(7, 10, 2, "spam"))
	assert.Empty(t, env.notifier.calls)
	// Unread still counts up, only the alert is suppressed.
	assert.Equal(t, 1, env.engine.rooms.get(10).UnreadCount)
}

func TestMentionBypassesMute(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.rooms.applyFullReload([]*Room{{ID: 10, Muted: true}})

	env.engine.applyMessage(wireMsg(8, 10, 2, "hey @alice look"))
	require.Len(t, env.notifier.calls, 1)
	assert.True(t, env.notifier.calls[0].mention)
}

func TestDuplicateDeliveryLeavesModelUnchanged(t *testing.T) {
	env := newTestEnv(t, nil)
	env.openRoom(&Room{ID: 9}, []Member{{UserID: 1}, {UserID: 2}})

	env.engine.applyMessage(wireMsg(50, 9, 2, "original"))
	env.engine.applyMessage(wireMsg(50, 9, 2, "replayed"))

	require.Len(t, env.engine.openThread.messages(), 1)
	assert.Equal(t, "original", env.engine.openThread.get(50).Body)
	assert.Len(t, env.renderer.added, 1)
	assert.EqualValues(t, 1, testutil.ToFloat64(env.engine.metrics.DuplicateMessages))
}

func TestSelfMessageRegistersOutstanding(t *testing.T) {
	env := newTestEnv(t, nil)
	env.openRoom(&Room{ID: 9}, []Member{
		{UserID: 1, LastReadMessageID: 55},
		{UserID: 2, LastReadMessageID: 40},
		{UserID: 3, LastReadMessageID: 40},
	})

	// Own message confirmed from another device: both peers owe a read.
	env.engine.applyMessage(wireMsg(60, 9, 1, "from my other device"))
	msg := env.engine.openThread.get(60)
	require.NotNil(t, msg)
	assert.Equal(t, 2, msg.OutstandingReaders)

	env.engine.dispatch(&event.ReadAdvanced{RoomID: 9, UserID: 2, MessageID: 60})
	assert.Equal(t, 1, msg.OutstandingReaders)
	assert.Equal(t, 1, env.renderer.readerChanges[60])

	env.engine.dispatch(&event.ReadAdvanced{RoomID: 9, UserID: 3, MessageID: 60})
	assert.Equal(t, 0, msg.OutstandingReaders)
}

func TestCursorRegressionCounted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.openRoom(&Room{ID: 9}, []Member{{UserID: 1}, {UserID: 2, LastReadMessageID: 50}})

	env.engine.dispatch(&event.ReadAdvanced{RoomID: 9, UserID: 2, MessageID: 30})
	assert.EqualValues(t, 1, testutil.ToFloat64(env.engine.metrics.CursorRegressions))
	assert.Equal(t, int64(50), env.engine.receipts.cursor(2))
}

func TestResyncGapFill(t *testing.T) {
	// Local tail at 100, server accumulated up to 130 during a disconnect.
	env := newTestEnv(t, nil)
	env.openRoom(&Room{ID: 9}, []Member{{UserID: 1}, {UserID: 2}})
	for id := int64(96); id <= 100; id++ {
		env.engine.openThread.insert(messageFromWire(wireMsg(id, 9, 2, "old")))
	}

	var wire []event.Message
	// Server page includes the boundary message 100 itself.
	for id := int64(100); id <= 130; id++ {
		wire = append(wire, *wireMsg(id, 9, 2, fmt.Sprintf("m%d", id)))
	}
	env.engine.gated = true
	env.engine.finishResync(9, 100, wire, nil, nil, nil)

	msgs := env.engine.openThread.messages()
	require.Len(t, msgs, 35)
	for i, msg := range msgs {
		assert.EqualValues(t, 96+i, msg.ID)
	}
	assert.False(t, env.engine.gated)
	read := env.sender.lastCall(event.CmdMarkRead)
	require.NotNil(t, read)
	assert.EqualValues(t, 130, read.payload["message_id"])
}

func TestResyncFailureIsSoft(t *testing.T) {
	env := newTestEnv(t, nil)
	env.openRoom(&Room{ID: 9}, []Member{{UserID: 1}})
	env.engine.openThread.insert(messageFromWire(wireMsg(100, 9, 2, "tail")))

	env.engine.gated = true
	env.engine.finishResync(9, 100, nil, fmt.Errorf("server unavailable"), nil, nil)

	// No rollback of applied state, gate released, failure counted.
	assert.Len(t, env.engine.openThread.messages(), 1)
	assert.False(t, env.engine.gated)
	assert.EqualValues(t, 1, testutil.ToFloat64(env.engine.metrics.BackfillFailures))
}

func TestGatedEventsReplayAfterResync(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.gated = true

	env.engine.dispatch(&event.PresenceChanged{UserID: 2, Status: "online"})
	assert.Empty(t, env.renderer.presence)
	require.Len(t, env.engine.gateBuf, 1)

	env.engine.flushGate()
	assert.Equal(t, "online", env.renderer.presence[2])
	assert.Empty(t, env.engine.gateBuf)
}

func TestDecryptBudget(t *testing.T) {
	key, err := e2e.GenerateKey()
	require.NoError(t, err)
	env := newTestEnv(t, nil)
	env.openRoom(&Room{ID: 9, EncryptionKey: key}, []Member{{UserID: 1}, {UserID: 2}})

	// 20 pending messages queued, one drain processes exactly the budget.
	for id := int64(1); id <= 20; id++ {
		ciphertext, cerr := e2e.Encrypt(fmt.Sprintf("secret %d", id), key)
		require.NoError(t, cerr)
		msg := messageFromWire(wireMsg(id, 9, 2, ciphertext))
		msg.Encrypted = true
		msg.DecryptState = DecryptPending
		env.engine.openThread.insert(msg)
		env.engine.decryptQ.enqueue(id)
	}
	env.engine.drainDecrypt()

	decrypted := 0
	for _, msg := range env.engine.openThread.messages() {
		if msg.DecryptState == DecryptDone {
			decrypted++
		}
	}
	assert.Equal(t, 6, decrypted)
	assert.Equal(t, 14, env.engine.decryptQ.pending())
	assert.True(t, env.engine.decryptQ.scheduled, "drain must reschedule itself")
	assert.Equal(t, "secret 1", env.engine.openThread.get(1).Body)
}

func TestFetchedPagesDecryptLazily(t *testing.T) {
	key, err := e2e.GenerateKey()
	require.NoError(t, err)
	env := newTestEnv(t, nil)
	env.openRoom(&Room{ID: 9, EncryptionKey: key}, []Member{{UserID: 1}, {UserID: 2}})

	encMsg := func(id int64) event.Message {
		ciphertext, cerr := e2e.Encrypt(fmt.Sprintf("secret %d", id), key)
		require.NoError(t, cerr)
		wm := wireMsg(id, 9, 2, ciphertext)
		wm.Encrypted = true
		return *wm
	}
	countStates := func() (pending, done int) {
		for _, msg := range env.engine.openThread.messages() {
			switch msg.DecryptState {
			case DecryptPending:
				pending++
			case DecryptDone:
				done++
			}
		}
		return
	}

	// The initial history page decrypts only its newest message; the rest
	// wait for visibility so the render loop never pays for a full page.
	var page []event.Message
	for id := int64(21); id <= 40; id++ {
		page = append(page, encMsg(id))
	}
	env.engine.finishOpen(9, page, nil, nil, nil)
	pending, done := countStates()
	assert.Equal(t, 19, pending)
	assert.Equal(t, 1, done)
	assert.Equal(t, "secret 40", env.engine.openThread.get(40).Body)
	assert.Zero(t, env.engine.decryptQ.pending())

	// A scrollback page stays fully pending.
	var older []event.Message
	for id := int64(1); id <= 10; id++ {
		older = append(older, encMsg(id))
	}
	env.engine.finishLoadOlder(9, older, nil)
	pending, done = countStates()
	assert.Equal(t, 29, pending)
	assert.Equal(t, 1, done)

	// A gap-fill decrypts only its newest message, like a live one.
	var gap []event.Message
	for id := int64(41); id <= 45; id++ {
		gap = append(gap, encMsg(id))
	}
	env.engine.finishResync(9, 40, gap, nil, nil, nil)
	pending, done = countStates()
	assert.Equal(t, 33, pending)
	assert.Equal(t, 2, done)
	assert.Equal(t, "secret 45", env.engine.openThread.get(45).Body)

	// Visibility is what feeds the budgeted drain.
	env.engine.MarkVisible(9, 25)
	task := <-env.engine.tasks
	task()
	assert.Equal(t, 1, env.engine.decryptQ.pending())
}

func TestLiveMessageDecryptsInline(t *testing.T) {
	key, err := e2e.GenerateKey()
	require.NoError(t, err)
	env := newTestEnv(t, nil)
	env.openRoom(&Room{ID: 9, EncryptionKey: key}, []Member{{UserID: 1}, {UserID: 2}})

	ciphertext, err := e2e.Encrypt("fresh plaintext", key)
	require.NoError(t, err)
	wm := wireMsg(50, 9, 2, ciphertext)
	wm.Encrypted = true
	env.engine.applyMessage(wm)

	msg := env.engine.openThread.get(50)
	require.NotNil(t, msg)
	assert.Equal(t, DecryptDone, msg.DecryptState)
	assert.Equal(t, "fresh plaintext", msg.Body)
}

func TestDecryptFailureIsIsolated(t *testing.T) {
	env := newTestEnv(t, nil)
	env.openRoom(&Room{ID: 9, EncryptionKey: "0000"}, []Member{{UserID: 1}, {UserID: 2}})

	wm := wireMsg(50, 9, 2, "v2:not-a-real-envelope")
	wm.Encrypted = true
	env.engine.applyMessage(wm)
	env.engine.applyMessage(wireMsg(51, 9, 2, "plain follows anyway"))

	bad := env.engine.openThread.get(50)
	require.NotNil(t, bad)
	assert.Equal(t, DecryptFailed, bad.DecryptState)
	assert.Equal(t, decryptFailedBody, bad.Body)
	assert.EqualValues(t, 1, testutil.ToFloat64(env.engine.metrics.DecryptFailures))
	// The failure never blocks the next message.
	require.NotNil(t, env.engine.openThread.get(51))
}

func TestEditAndDeleteEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	env.openRoom(&Room{ID: 9}, []Member{{UserID: 1}, {UserID: 2}})
	env.engine.applyMessage(wireMsg(50, 9, 2, "tpyo"))

	env.engine.dispatch(&event.MessageEdited{RoomID: 9, MessageID: 50, Content: "typo"})
	assert.Equal(t, "typo", env.engine.openThread.get(50).Body)

	env.engine.dispatch(&event.MessageDeleted{RoomID: 9, MessageID: 50})
	msg := env.engine.openThread.get(50)
	assert.True(t, msg.Deleted)
	assert.Empty(t, msg.Body)
	// Tombstoned, never removed from the thread.
	assert.Len(t, env.engine.openThread.messages(), 1)
	assert.Equal(t, deletedPlaceholder, env.engine.rooms.get(9).Preview)
}

func TestReactionsReplaceList(t *testing.T) {
	env := newTestEnv(t, nil)
	env.openRoom(&Room{ID: 9}, []Member{{UserID: 1}, {UserID: 2}})
	env.engine.applyMessage(wireMsg(50, 9, 2, "nice"))

	env.engine.dispatch(&event.ReactionsSet{
		RoomID:    9,
		MessageID: 50,
		Reactions: []event.Reaction{{Emoji: "👍", UserIDs: []int64{1, 2}}},
	})
	msg := env.engine.openThread.get(50)
	require.Len(t, msg.Reactions, 1)
	assert.Equal(t, []int64{1, 2}, msg.Reactions[0].UserIDs)
}

func TestPresenceDedup(t *testing.T) {
	env := newTestEnv(t, nil)

	env.engine.dispatch(&event.PresenceChanged{UserID: 2, Status: "online"})
	env.engine.dispatch(&event.PresenceChanged{UserID: 2, Status: "online"})

	assert.Equal(t, "online", env.renderer.presence[2])
	assert.EqualValues(t, 1, testutil.ToFloat64(env.engine.metrics.DedupedEvents))
}

func TestTypingExpires(t *testing.T) {
	env := newTestEnv(t, func(opts *Options) {
		opts.TypingExpiry = 20 * time.Millisecond
	})
	env.openRoom(&Room{ID: 9}, []Member{{UserID: 1}, {UserID: 2}})

	env.engine.handleTyping(&event.TypingChanged{RoomID: 9, UserID: 2, Nickname: "bob", IsTyping: true})
	assert.Equal(t, []string{"bob"}, env.renderer.typingNames)

	// The expiry timer posts its callback onto the loop; run it here.
	select {
	case task := <-env.engine.tasks:
		task()
	case <-time.After(time.Second):
		t.Fatal("typing expiry never fired")
	}
	assert.Empty(t, env.renderer.typingNames)
}

func TestSendMessageOptimisticEcho(t *testing.T) {
	key, err := e2e.GenerateKey()
	require.NoError(t, err)
	env := newTestEnv(t, nil)
	env.openRoom(&Room{ID: 9, EncryptionKey: key}, []Member{{UserID: 1}, {UserID: 2}})

	env.engine.sendMessage(9, KindText, "hello bob", "", nil)

	sent := env.sender.lastCall(event.CmdSendMessage)
	require.NotNil(t, sent)
	assert.Equal(t, true, sent.payload["encrypted"])
	ciphertext, _ := sent.payload["content"].(string)
	assert.True(t, e2e.IsEnvelope(ciphertext), "outgoing body must be encrypted")
	plain, err := e2e.Decrypt(ciphertext, key)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", plain)

	// The optimistic echo renders the plaintext immediately.
	require.Len(t, env.renderer.added, 1)
	echo := env.renderer.added[0]
	assert.Equal(t, "hello bob", echo.Body)
	assert.NotEmpty(t, echo.EchoKey)
	assert.False(t, echo.Failed)

	// Server confirmation replaces the echo instead of duplicating it.
	confirm := wireMsg(51, 9, 1, ciphertext)
	confirm.Encrypted = true
	confirm.LocalEcho = echo.EchoKey
	env.engine.applyMessage(confirm)
	require.NotNil(t, env.engine.openThread.get(51))
	assert.Equal(t, "hello bob", env.engine.openThread.get(51).Body)
	assert.Empty(t, env.engine.openThread.echoes)
}

func TestSendWhileDisconnected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sender.ok = false
	env.openRoom(&Room{ID: 9}, []Member{{UserID: 1}, {UserID: 2}})

	env.engine.sendMessage(9, KindText, "into the void", "", nil)

	assert.EqualValues(t, 1, testutil.ToFloat64(env.engine.metrics.DroppedSends))
	require.Len(t, env.renderer.added, 1)
	assert.True(t, env.renderer.added[0].Failed)
}

func TestBatchCoalescing(t *testing.T) {
	env := newTestEnv(t, nil)
	env.openRoom(&Room{ID: 9}, []Member{{UserID: 1}, {UserID: 2}})

	// A burst parked in the pending queue drains as one batch.
	for id := int64(1); id <= 5; id++ {
		env.engine.enqueueMessage(wireMsg(id, 9, 2, "burst"))
	}
	assert.Empty(t, env.engine.openThread.messages())
	require.NotNil(t, env.engine.batchTimer)
	env.engine.batchTimer.Stop()

	env.engine.drainBatch()
	assert.Len(t, env.engine.openThread.messages(), 5)
	assert.Nil(t, env.engine.batchTimer)
}

func TestLeaveRoomMarksLeft(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.rooms.applyFullReload([]*Room{{ID: 9}})
	env.engine.openRoomID = 9
	env.engine.openThread = newThread(9)

	env.engine.LeaveRoom(9)
	task := <-env.engine.tasks
	task()

	assert.True(t, env.engine.rooms.get(9).Left)
	assert.EqualValues(t, 0, env.engine.openRoomID)
	assert.Nil(t, env.engine.openThread)
}
