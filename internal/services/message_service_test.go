package services

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"go-cim/internal/metrics"
	"go-cim/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// 内存版消息存储，行为对齐 SQL/Mongo 实现：
// 倒序分页、anchor=0 取最新、按用户删除过滤、撤回条件更新。
type fakeMessageStore struct {
	nextID    uint64
	nextSeq   map[uint64]uint64
	msgs      map[uint64]*models.Message
	deletes   map[uint64]map[uint64]bool // msgID -> userID
	reads     map[uint64]map[uint64]bool
	mentions  map[uint64][]uint64
	forwards  map[uint64][]models.ForwardSource
	lastLimit int
	failMark  map[uint64]bool // MarkUserDelete 按ID注入失败
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{
		nextSeq:  map[uint64]uint64{},
		msgs:     map[uint64]*models.Message{},
		deletes:  map[uint64]map[uint64]bool{},
		reads:    map[uint64]map[uint64]bool{},
		mentions: map[uint64][]uint64{},
		forwards: map[uint64][]models.ForwardSource{},
		failMark: map[uint64]bool{},
	}
}

func (f *fakeMessageStore) Create(_ context.Context, m *models.Message) (uint64, error) {
	f.nextID++
	f.nextSeq[m.TalkID]++
	cp := *m
	cp.ID = f.nextID
	cp.Sequence = f.nextSeq[m.TalkID]
	cp.CreatedAt = time.Now()
	f.msgs[cp.ID] = &cp
	return cp.ID, nil
}

func (f *fakeMessageStore) GetByID(_ context.Context, id uint64) (*models.Message, error) {
	m, ok := f.msgs[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMessageStore) GetByClientMsgID(_ context.Context, senderID uint64, clientMsgID string) (*models.Message, error) {
	for _, m := range f.msgs {
		if m.SenderID == senderID && m.ClientMsgID == clientMsgID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeMessageStore) GetByIDs(_ context.Context, ids []uint64) ([]*models.Message, error) {
	out := []*models.Message{}
	seen := map[uint64]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if m, ok := f.msgs[id]; ok {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeMessageStore) ListRecentDesc(_ context.Context, talkID, anchorSeq uint64, limit int, msgType uint16, excludeUserID uint64) ([]*models.Message, error) {
	f.lastLimit = limit
	out := []*models.Message{}
	for _, m := range f.msgs {
		if m.TalkID != talkID {
			continue
		}
		if anchorSeq > 0 && m.Sequence >= anchorSeq {
			continue
		}
		if msgType > 0 && m.MsgType != msgType {
			continue
		}
		if f.deletes[m.ID][excludeUserID] {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMessageStore) Revoke(_ context.Context, msgID, userID uint64) (bool, error) {
	m, ok := f.msgs[msgID]
	if !ok || m.IsRevoked {
		return false, nil
	}
	now := time.Now()
	m.IsRevoked = true
	m.RevokeBy = &userID
	m.RevokeTime = &now
	return true, nil
}

func (f *fakeMessageStore) MarkUserDelete(_ context.Context, msgID, userID uint64) error {
	if f.failMark[msgID] {
		return errors.New("storage unavailable")
	}
	if f.deletes[msgID] == nil {
		f.deletes[msgID] = map[uint64]bool{}
	}
	f.deletes[msgID][userID] = true
	return nil
}

func (f *fakeMessageStore) MarkRead(_ context.Context, msgID, userID uint64) error {
	if f.reads[msgID] == nil {
		f.reads[msgID] = map[uint64]bool{}
	}
	f.reads[msgID][userID] = true
	return nil
}

func (f *fakeMessageStore) AddMentions(_ context.Context, msgID uint64, userIDs []uint64) error {
	f.mentions[msgID] = append(f.mentions[msgID], userIDs...)
	return nil
}

func (f *fakeMessageStore) AddForwardSources(_ context.Context, forwardMsgID uint64, sources []models.ForwardSource) error {
	f.forwards[forwardMsgID] = append(f.forwards[forwardMsgID], sources...)
	return nil
}

type fakeTalks struct {
	nextID uint64
	single map[[2]uint64]uint64
	group  map[uint64]uint64
}

func newFakeTalks() *fakeTalks {
	return &fakeTalks{single: map[[2]uint64]uint64{}, group: map[uint64]uint64{}}
}

func pairKey(a, b uint64) [2]uint64 {
	if a > b {
		a, b = b, a
	}
	return [2]uint64{a, b}
}

func (f *fakeTalks) GetSingleTalkID(_ context.Context, a, b uint64) (uint64, bool, error) {
	id, ok := f.single[pairKey(a, b)]
	return id, ok, nil
}

func (f *fakeTalks) GetGroupTalkID(_ context.Context, groupID uint64) (uint64, bool, error) {
	id, ok := f.group[groupID]
	return id, ok, nil
}

func (f *fakeTalks) EnsureSingleTalk(_ context.Context, a, b uint64) (uint64, error) {
	k := pairKey(a, b)
	if id, ok := f.single[k]; ok {
		return id, nil
	}
	f.nextID++
	f.single[k] = f.nextID
	return f.nextID, nil
}

func (f *fakeTalks) EnsureGroupTalk(_ context.Context, groupID uint64) (uint64, error) {
	if id, ok := f.group[groupID]; ok {
		return id, nil
	}
	f.nextID++
	f.group[groupID] = f.nextID
	return f.nextID, nil
}

type fakeUsers struct {
	infos map[uint64]*models.UserInfo
	err   error
}

func (f *fakeUsers) GetUserInfo(_ context.Context, userID uint64) (*models.UserInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.infos[userID], nil
}

func newService() (*MessageService, *fakeMessageStore, *fakeTalks, *fakeUsers) {
	ms := newFakeMessageStore()
	talks := newFakeTalks()
	users := &fakeUsers{infos: map[uint64]*models.UserInfo{
		1: {UserID: 1, Nickname: "阿里", Avatar: "http://img/1.png"},
		2: {UserID: 2, Nickname: "贝拉", Avatar: "http://img/2.png"},
	}}
	return NewMessageService(ms, talks, users), ms, talks, users
}

// 建一个 1-2 单聊并从用户1投递 n 条文本消息，返回消息ID列表。
func seedSingleTalk(t *testing.T, svc *MessageService, n int) []uint64 {
	t.Helper()
	ids := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		rec, err := svc.SendMessage(context.Background(), 1, &models.SendRequest{
			TalkMode: models.TalkModeSingle, ToFromID: 2, MsgType: 1, ContentText: "hello",
		})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		var id models.ID
		if err := id.UnmarshalJSON([]byte(rec.MsgID)); err != nil {
			t.Fatalf("bad msg id %q: %v", rec.MsgID, err)
		}
		ids = append(ids, id.Uint64())
	}
	return ids
}

func TestLoadRecords_PaginationWalk(t *testing.T) {
	svc, _, _, _ := newService()
	seedSingleTalk(t, svc, 10)

	ctx := context.Background()
	wantPages := [][]uint64{{10, 9, 8}, {7, 6, 5}, {4, 3, 2}, {1}}
	cursor := uint64(0)
	for pi, want := range wantPages {
		page, err := svc.LoadRecords(ctx, 1, models.TalkModeSingle, 2, cursor, 3)
		if err != nil {
			t.Fatalf("page %d: %v", pi, err)
		}
		if len(page.Items) != len(want) {
			t.Fatalf("page %d: got %d items, want %d", pi, len(page.Items), len(want))
		}
		for i, rec := range page.Items {
			if rec.Sequence != want[i] {
				t.Fatalf("page %d item %d: seq %d, want %d", pi, i, rec.Sequence, want[i])
			}
		}
		if page.Cursor.Uint64() != want[len(want)-1] {
			t.Fatalf("page %d: cursor %d, want %d", pi, page.Cursor.Uint64(), want[len(want)-1])
		}
		cursor = page.Cursor.Uint64()
	}

	// 翻尽后：空页，游标原样返回
	page, err := svc.LoadRecords(ctx, 1, models.TalkModeSingle, 2, cursor, 3)
	if err != nil {
		t.Fatalf("exhausted page: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("expected empty page, got %d items", len(page.Items))
	}
	if page.Cursor.Uint64() != cursor {
		t.Fatalf("cursor must stay %d on empty page, got %d", cursor, page.Cursor.Uint64())
	}
}

func TestLoadRecords_AbsentTalkIsEmptyNotError(t *testing.T) {
	svc, _, _, _ := newService()
	page, err := svc.LoadRecords(context.Background(), 1, models.TalkModeSingle, 999, 77, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Items) != 0 || page.Cursor.Uint64() != 77 {
		t.Fatalf("want empty page with cursor 77, got %d items cursor %d", len(page.Items), page.Cursor.Uint64())
	}
}

func TestLoadRecords_LimitPolicy(t *testing.T) {
	svc, ms, _, _ := newService()
	seedSingleTalk(t, svc, 1)
	ctx := context.Background()

	cases := []struct{ in, want int }{
		{0, 30},
		{-5, 1},
		{1, 1},
		{200, 200},
		{1000, 200},
	}
	for _, tc := range cases {
		if _, err := svc.LoadRecords(ctx, 1, models.TalkModeSingle, 2, 0, tc.in); err != nil {
			t.Fatalf("limit %d: %v", tc.in, err)
		}
		if ms.lastLimit != tc.want {
			t.Fatalf("limit %d: store saw %d, want %d", tc.in, ms.lastLimit, tc.want)
		}
	}
}

func TestLoadRecords_InvalidTalkMode(t *testing.T) {
	svc, _, _, _ := newService()
	if _, err := svc.LoadRecords(context.Background(), 1, 9, 2, 0, 10); !errors.Is(err, ErrInvalidTalkMode) {
		t.Fatalf("got %v, want ErrInvalidTalkMode", err)
	}
	if err := svc.DeleteMessages(context.Background(), 1, 0, 2, []uint64{1}); !errors.Is(err, ErrInvalidTalkMode) {
		t.Fatalf("delete: got %v, want ErrInvalidTalkMode", err)
	}
	if _, err := svc.LoadForwardRecords(context.Background(), 1, 3, []uint64{1}); !errors.Is(err, ErrInvalidTalkMode) {
		t.Fatalf("forward: got %v, want ErrInvalidTalkMode", err)
	}
}

func TestLoadHistoryRecords_TypeFilterFillsPage(t *testing.T) {
	svc, _, _, _ := newService()
	ctx := context.Background()
	// 交替发文本(1)与图片(2)各5条
	for i := 0; i < 10; i++ {
		mt := uint16(1)
		if i%2 == 1 {
			mt = 2
		}
		if _, err := svc.SendMessage(ctx, 1, &models.SendRequest{
			TalkMode: models.TalkModeSingle, ToFromID: 2, MsgType: mt, ContentText: "x",
		}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	page, err := svc.LoadHistoryRecords(ctx, 2, models.TalkModeSingle, 1, 0, 4, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Items) != 4 {
		t.Fatalf("filtered page must still be full: got %d", len(page.Items))
	}
	for _, rec := range page.Items {
		if rec.MsgType != 2 {
			t.Fatalf("leaked msg type %d", rec.MsgType)
		}
	}
}

func TestDeleteMessages_PerUserVisibility(t *testing.T) {
	svc, _, _, _ := newService()
	ctx := context.Background()
	ids := seedSingleTalk(t, svc, 3)

	if err := svc.DeleteMessages(ctx, 1, models.TalkModeSingle, 2, []uint64{ids[1]}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	pageA, _ := svc.LoadRecords(ctx, 1, models.TalkModeSingle, 2, 0, 10)
	if len(pageA.Items) != 2 {
		t.Fatalf("deleter must not see the message: got %d items", len(pageA.Items))
	}
	pageB, _ := svc.LoadRecords(ctx, 2, models.TalkModeSingle, 1, 0, 10)
	if len(pageB.Items) != 3 {
		t.Fatalf("other member must still see all: got %d items", len(pageB.Items))
	}
}

func TestDeleteMessages_BestEffort(t *testing.T) {
	svc, ms, _, _ := newService()
	ctx := context.Background()
	ids := seedSingleTalk(t, svc, 3)
	ms.failMark[ids[0]] = true

	if err := svc.DeleteMessages(ctx, 1, models.TalkModeSingle, 2, ids); err != nil {
		t.Fatalf("per-id failures must not surface: %v", err)
	}
	page, _ := svc.LoadRecords(ctx, 1, models.TalkModeSingle, 2, 0, 10)
	if len(page.Items) != 1 {
		t.Fatalf("two marks should have landed: got %d visible", len(page.Items))
	}
}

func TestDeleteMessages_ErrorCountsInMetrics(t *testing.T) {
	svc, _, _, _ := newService()
	counter := metrics.MessageOpsTotal.WithLabelValues("delete_messages", "error")
	before := testutil.ToFloat64(counter)
	if err := svc.DeleteMessages(context.Background(), 1, 9, 2, []uint64{1}); !errors.Is(err, ErrInvalidTalkMode) {
		t.Fatalf("got %v, want ErrInvalidTalkMode", err)
	}
	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Fatalf("error counter: got %v, want %v", got, before+1)
	}
}

func TestDeleteMessages_AbsentTalkSilentSuccess(t *testing.T) {
	svc, _, _, _ := newService()
	if err := svc.DeleteMessages(context.Background(), 1, models.TalkModeGroup, 404, []uint64{1, 2}); err != nil {
		t.Fatalf("absent talk must be a no-op: %v", err)
	}
}

func TestRevokeMessage_Lifecycle(t *testing.T) {
	svc, _, _, _ := newService()
	ctx := context.Background()
	ids := seedSingleTalk(t, svc, 1)

	if err := svc.RevokeMessage(ctx, 2, models.TalkModeSingle, 1, ids[0]); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("non-sender: got %v, want ErrPermissionDenied", err)
	}
	if err := svc.RevokeMessage(ctx, 1, models.TalkModeSingle, 2, ids[0]); err != nil {
		t.Fatalf("sender revoke: %v", err)
	}
	if err := svc.RevokeMessage(ctx, 1, models.TalkModeSingle, 2, ids[0]); !errors.Is(err, ErrAlreadyRevoked) {
		t.Fatalf("second revoke: got %v, want ErrAlreadyRevoked", err)
	}
	if err := svc.RevokeMessage(ctx, 1, models.TalkModeSingle, 2, 424242); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("missing: got %v, want ErrMessageNotFound", err)
	}
	if err := svc.RevokeMessage(ctx, 1, 9, 2, ids[0]); !errors.Is(err, ErrInvalidTalkMode) {
		t.Fatalf("bad mode: got %v, want ErrInvalidTalkMode", err)
	}
	if err := svc.RevokeMessage(ctx, 1, models.TalkModeGroup, 404, ids[0]); err != nil {
		t.Fatalf("absent talk must be silent success: %v", err)
	}

	// 撤回后的行保留且在分页中可见
	page, _ := svc.LoadRecords(ctx, 2, models.TalkModeSingle, 1, 0, 10)
	if len(page.Items) != 1 || !page.Items[0].IsRevoked {
		t.Fatalf("revoked message must remain visible with flag set")
	}
}

func TestLoadForwardRecords_MissingIDsSkipped(t *testing.T) {
	svc, _, _, _ := newService()
	ctx := context.Background()
	ids := seedSingleTalk(t, svc, 3)

	req := append([]uint64{}, ids...)
	req = append(req, 9001, 9002)
	recs, err := svc.LoadForwardRecords(ctx, 1, models.TalkModeSingle, req)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}

	recs, err = svc.LoadForwardRecords(ctx, 1, models.TalkModeSingle, nil)
	if err != nil || len(recs) != 0 {
		t.Fatalf("empty input: got %d records err=%v", len(recs), err)
	}
}

func TestBuildRecord_QuoteAndProfile(t *testing.T) {
	svc, _, _, users := newService()
	ctx := context.Background()
	ids := seedSingleTalk(t, svc, 1)

	// 正常引用
	q := ids[0]
	rec, err := svc.SendMessage(ctx, 2, &models.SendRequest{
		TalkMode: models.TalkModeSingle, ToFromID: 1, MsgType: 1, ContentText: "回个消息", QuoteMsgID: &q,
	})
	if err != nil {
		t.Fatalf("send with quote: %v", err)
	}
	if rec.Quote == nil || rec.Quote.FromID != 1 || rec.Quote.Text != "hello" {
		t.Fatalf("quote not filled: %+v", rec.Quote)
	}
	if rec.Nickname != "贝拉" {
		t.Fatalf("profile not filled: %q", rec.Nickname)
	}

	// 引用不存在：整体退化为空引用，不报错
	missing := uint64(777777)
	rec, err = svc.SendMessage(ctx, 1, &models.SendRequest{
		TalkMode: models.TalkModeSingle, ToFromID: 2, MsgType: 1, ContentText: "x", QuoteMsgID: &missing,
	})
	if err != nil {
		t.Fatalf("send with dangling quote: %v", err)
	}
	if rec.Quote == nil || rec.Quote.MsgID != "" || rec.Quote.FromID != 0 {
		t.Fatalf("dangling quote must degrade to empty: %+v", rec.Quote)
	}

	// 资料查询失败：昵称/头像为空，不报错
	users.err = errors.New("directory down")
	page, err := svc.LoadRecords(ctx, 2, models.TalkModeSingle, 1, 0, 10)
	if err != nil {
		t.Fatalf("records with profile outage: %v", err)
	}
	if len(page.Items) == 0 || page.Items[0].Nickname != "" || page.Items[0].Avatar != "" {
		t.Fatalf("profile outage must degrade to empty fields")
	}
}

func TestSendMessage_Basics(t *testing.T) {
	svc, ms, talks, _ := newService()
	ctx := context.Background()

	rec, err := svc.SendMessage(ctx, 1, &models.SendRequest{
		TalkMode: models.TalkModeGroup, ToFromID: 100, MsgType: 1, ContentText: "大家好",
		MentionUserIDs: []uint64{2, 3},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if rec.Sequence != 1 {
		t.Fatalf("first message seq: got %d", rec.Sequence)
	}
	if rec.MsgID == "" || rec.MsgID == "0" {
		t.Fatalf("msg id must be a decimal string, got %q", rec.MsgID)
	}
	if _, ok := talks.group[100]; !ok {
		t.Fatalf("group talk must be lazily created")
	}
	if len(ms.mentions[1]) != 2 {
		t.Fatalf("mentions not recorded: %v", ms.mentions[1])
	}

	// 同一会话序列递增
	rec2, err := svc.SendMessage(ctx, 2, &models.SendRequest{
		TalkMode: models.TalkModeGroup, ToFromID: 100, MsgType: 1, ContentText: "好",
	})
	if err != nil {
		t.Fatalf("send 2: %v", err)
	}
	if rec2.Sequence != 2 {
		t.Fatalf("second message seq: got %d", rec2.Sequence)
	}

	if _, err := svc.SendMessage(ctx, 1, &models.SendRequest{TalkMode: 7, ToFromID: 1}); !errors.Is(err, ErrInvalidTalkMode) {
		t.Fatalf("invalid mode: got %v", err)
	}
}

func TestSendMessage_ForwardSources(t *testing.T) {
	svc, ms, _, _ := newService()
	ctx := context.Background()
	ids := seedSingleTalk(t, svc, 2)

	rec, err := svc.SendMessage(ctx, 1, &models.SendRequest{
		TalkMode: models.TalkModeGroup, ToFromID: 5, MsgType: 10, ContentText: "[合并转发]",
		ForwardSources: []models.ForwardSource{
			{SrcMsgID: ids[0], SrcTalkID: 1, SrcSenderID: 1},
			{SrcMsgID: ids[1], SrcTalkID: 1, SrcSenderID: 1},
		},
	})
	if err != nil {
		t.Fatalf("send forward: %v", err)
	}
	var fid models.ID
	if err := fid.UnmarshalJSON([]byte(rec.MsgID)); err != nil {
		t.Fatalf("bad id: %v", err)
	}
	if got := ms.forwards[fid.Uint64()]; len(got) != 2 {
		t.Fatalf("forward map: got %d sources", len(got))
	}
}

func TestSendMessage_ClientMsgIDIdempotent(t *testing.T) {
	svc, ms, _, _ := newService()
	ctx := context.Background()

	req := &models.SendRequest{
		ClientMsgID: "c-20260901-001", TalkMode: models.TalkModeSingle, ToFromID: 2,
		MsgType: 1, ContentText: "只该落库一次",
	}
	first, err := svc.SendMessage(ctx, 1, req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	second, err := svc.SendMessage(ctx, 1, req)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if first.MsgID != second.MsgID || first.Sequence != second.Sequence {
		t.Fatalf("resend must replay the stored message: %s/%d vs %s/%d",
			first.MsgID, first.Sequence, second.MsgID, second.Sequence)
	}
	if len(ms.msgs) != 1 {
		t.Fatalf("duplicate row created: %d messages", len(ms.msgs))
	}

	// 另一发送者携带相同键不受影响
	if _, err := svc.SendMessage(ctx, 2, req); err != nil {
		t.Fatalf("other sender: %v", err)
	}
	if len(ms.msgs) != 2 {
		t.Fatalf("keys are scoped per sender: %d messages", len(ms.msgs))
	}
}

func TestSendMessage_ClientMsgIDGeneratedWhenAbsent(t *testing.T) {
	svc, ms, _, _ := newService()
	if _, err := svc.SendMessage(context.Background(), 1, &models.SendRequest{
		TalkMode: models.TalkModeSingle, ToFromID: 2, MsgType: 1, ContentText: "x",
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ms.msgs[1].ClientMsgID == "" {
		t.Fatalf("server must assign a client msg id when the client omits one")
	}
}

func TestMarkRead_Idempotent(t *testing.T) {
	svc, ms, _, _ := newService()
	ctx := context.Background()
	ids := seedSingleTalk(t, svc, 1)

	if err := svc.MarkRead(ctx, 2, ids[0]); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := svc.MarkRead(ctx, 2, ids[0]); err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}
	if !ms.reads[ids[0]][2] {
		t.Fatalf("read mark missing")
	}
}
