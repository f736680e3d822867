package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"easel/api/internal/authpw"
	"easel/api/internal/config"
	"easel/api/internal/llm"
	"easel/api/internal/scene"
	"easel/api/internal/store"
	"easel/api/internal/tutor"
)

// memStore is a full in-memory dataStore (plus the authpw user store)
// so service and HTTP tests run without Postgres.
type memStore struct {
	mu       sync.Mutex
	users    map[string]store.User
	boards   map[string]store.Board
	members  map[string]map[string]string // boardID -> userID -> role
	scenes   map[string]json.RawMessage
	convs    map[string]store.Conversation // key boardID|mode
	messages map[string][]store.Message    // conversationID
	tutors   map[string]store.TutorSessionRow
	captures map[string]store.CaptureMeta
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[string]store.User{},
		boards:   map[string]store.Board{},
		members:  map[string]map[string]string{},
		scenes:   map[string]json.RawMessage{},
		convs:    map[string]store.Conversation{},
		messages: map[string][]store.Message{},
		tutors:   map[string]store.TutorSessionRow{},
		captures: map[string]store.CaptureMeta{},
	}
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) CreateUser(_ context.Context, u store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.Email = strings.ToLower(u.Email)
	m.users[u.ID] = u
	return nil
}

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) VerifyEmail(_ context.Context, token string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range m.users {
		if u.VerificationToken == token && token != "" &&
			u.VerificationExpiresAt != nil && u.VerificationExpiresAt.After(time.Now()) {
			u.IsEmailVerified = true
			u.VerificationToken = ""
			u.VerificationExpiresAt = nil
			m.users[id] = u
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) SetResetToken(_ context.Context, email, token string, expiresAt time.Time) (store.User, error) {
	u, err := m.GetUserByEmail(context.Background(), email)
	if err != nil {
		return store.User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u.ResetToken = token
	u.ResetExpiresAt = &expiresAt
	m.users[u.ID] = u
	return u, nil
}

func (m *memStore) ResetPassword(_ context.Context, token, passwordHash string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range m.users {
		if u.ResetToken == token && token != "" &&
			u.ResetExpiresAt != nil && u.ResetExpiresAt.After(time.Now()) {
			u.PasswordHash = passwordHash
			u.ResetToken = ""
			u.ResetExpiresAt = nil
			m.users[id] = u
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) CreateBoard(_ context.Context, b store.Board) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	b.CreatedAt = now
	b.UpdatedAt = now
	m.boards[b.ID] = b
	m.members[b.ID] = map[string]string{b.OwnerID: "owner"}
	m.scenes[b.ID] = json.RawMessage(`{"elements": [], "assets": {}}`)
	return nil
}

func (m *memStore) GetBoard(_ context.Context, id string) (store.Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.boards[id]; ok {
		return b, nil
	}
	return store.Board{}, sql.ErrNoRows
}

func (m *memStore) ListBoardsForUser(_ context.Context, userID string) ([]store.Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Board
	for boardID, roles := range m.members {
		if role, ok := roles[userID]; ok {
			b := m.boards[boardID]
			b.Role = role
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateBoardTitle(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boards[id]
	if !ok {
		return sql.ErrNoRows
	}
	b.Title = title
	b.UpdatedAt = time.Now()
	m.boards[id] = b
	return nil
}

func (m *memStore) DeleteBoard(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.boards, id)
	delete(m.members, id)
	delete(m.scenes, id)
	return nil
}

func (m *memStore) UpsertBoardMember(_ context.Context, boardID, userID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[boardID] == nil {
		m.members[boardID] = map[string]string{}
	}
	m.members[boardID][userID] = role
	return nil
}

func (m *memStore) RemoveBoardMember(_ context.Context, boardID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[boardID][userID] == "owner" {
		return nil
	}
	delete(m.members[boardID], userID)
	return nil
}

func (m *memStore) GetBoardRole(_ context.Context, boardID, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[boardID][userID], nil
}

func (m *memStore) ListBoardMembers(_ context.Context, boardID string) ([]store.BoardMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.BoardMember
	for userID, role := range m.members[boardID] {
		u := m.users[userID]
		out = append(out, store.BoardMember{
			BoardID:     boardID,
			UserID:      userID,
			Role:        role,
			DisplayName: u.DisplayName,
			Email:       u.Email,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memStore) GetBoardScene(_ context.Context, boardID string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.scenes[boardID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return doc, nil
}

// UpdateBoardScene holds the store lock across the whole read-merge-write
// cycle, matching the row lock the real store takes.
func (m *memStore) UpdateBoardScene(_ context.Context, boardID string, merge func(json.RawMessage) (json.RawMessage, error)) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.scenes[boardID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	merged, err := merge(doc)
	if err != nil {
		return nil, err
	}
	m.scenes[boardID] = merged
	return merged, nil
}

func (m *memStore) EnsureConversation(_ context.Context, id, boardID, mode string) (store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := boardID + "|" + mode
	if conv, ok := m.convs[key]; ok {
		return conv, nil
	}
	conv := store.Conversation{ID: id, BoardID: boardID, Mode: mode}
	m.convs[key] = conv
	return conv, nil
}

func (m *memStore) InsertMessage(_ context.Context, msg store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	return nil
}

func (m *memStore) ListMessages(_ context.Context, conversationID string, limit int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]store.Message(nil), msgs...), nil
}

func (m *memStore) SearchMessages(_ context.Context, userID, query string, limit int) ([]store.MessageHit, error) {
	return nil, nil
}

func (m *memStore) GetTutorSession(_ context.Context, boardID string) (*store.TutorSessionRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.tutors[boardID]; ok {
		copied := row
		return &copied, nil
	}
	return nil, nil
}

func (m *memStore) PutTutorSession(_ context.Context, row store.TutorSessionRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tutors[row.BoardID] = row
	return nil
}

func (m *memStore) InsertCapture(_ context.Context, c store.CaptureMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captures[c.ID] = c
	return nil
}

func (m *memStore) GetCapture(_ context.Context, id string) (store.CaptureMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.captures[id]; ok {
		return c, nil
	}
	return store.CaptureMeta{}, sql.ErrNoRows
}

type memSessions struct {
	mu   sync.Mutex
	byID map[string]store.User
}

func newMemSessions() *memSessions {
	return &memSessions{byID: map[string]store.User{}}
}

func (m *memSessions) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[tokenHash] = user
	return nil
}

func (m *memSessions) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[tokenHash]; ok {
		return u, nil
	}
	return store.User{}, errors.New("refresh session not found")
}

func (m *memSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, tokenHash)
	return nil
}

// fakeLLM scripts every model call. Deltas are streamed word by word so
// tests can observe ordering.
type fakeLLM struct {
	planJSON  string
	planErr   error
	turnText  string
	turnErr   error
	turnCalls int
}

func (f *fakeLLM) GeneratePlan(context.Context, llm.PlanRequest) (llm.Completion, error) {
	if f.planErr != nil {
		return llm.Completion{}, f.planErr
	}
	return llm.Completion{Text: f.planJSON}, nil
}

func (f *fakeLLM) ContinuePlan(context.Context, llm.PlanRequest, string) (llm.Completion, error) {
	return llm.Completion{}, errors.New("no continuation scripted")
}

func (f *fakeLLM) stream(stream llm.StreamFunc) (llm.Completion, error) {
	f.turnCalls++
	if f.turnErr != nil {
		return llm.Completion{}, f.turnErr
	}
	for _, word := range strings.SplitAfter(f.turnText, " ") {
		if stream != nil {
			if err := stream(word); err != nil {
				return llm.Completion{}, err
			}
		}
	}
	return llm.Completion{Text: f.turnText}, nil
}

func (f *fakeLLM) TutorTurn(_ context.Context, _ llm.TurnRequest, stream llm.StreamFunc) (llm.Completion, error) {
	return f.stream(stream)
}

func (f *fakeLLM) BoardTurn(_ context.Context, _ llm.TurnRequest, stream llm.StreamFunc) (llm.Completion, error) {
	return f.stream(stream)
}

const testPlanJSON = `{"goal":"Factor quadratics","steps":[{"id":"s1","title":"Read the problem","successCriteria":"Problem restated"},{"id":"s2","title":"Find the factors","successCriteria":"Correct pair found"}]}`

func newTestService(ms *memStore, client llm.Client) *Service {
	cfg := config.Config{
		TokenSecret: "test-secret",
		AccessTTL:   time.Hour,
		RefreshTTL:  24 * time.Hour,
		AppBaseURL:  "http://localhost:5173",
	}
	svc := &Service{
		cfg:      cfg,
		store:    ms,
		sessions: newMemSessions(),
	}
	svc.authpw = authpw.NewService(ms)
	if client != nil {
		svc.llm = client
		svc.tutors = tutor.NewMachine(&tutorStore{store: ms}, client)
	}
	return svc
}

func seedUser(t *testing.T, ms *memStore, id, name, email string) store.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user := store.User{
		ID:              id,
		Email:           email,
		DisplayName:     name,
		PasswordHash:    string(hash),
		IsEmailVerified: true,
	}
	if err := ms.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func sessionFor(user store.User) Session {
	return Session{UserID: user.ID, UserName: user.DisplayName, Email: user.Email}
}

func TestCreateBoardMakesCallerOwner(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, nil)
	owner := seedUser(t, ms, "user-1", "Avery", "avery@example.com")

	board, err := svc.CreateBoard(context.Background(), sessionFor(owner), "  Physics scratchpad  ")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	if board.Title != "Physics scratchpad" {
		t.Fatalf("expected trimmed title, got %q", board.Title)
	}
	if board.Role != "owner" {
		t.Fatalf("expected owner role, got %q", board.Role)
	}

	role, err := ms.GetBoardRole(context.Background(), board.ID, owner.ID)
	if err != nil || role != "owner" {
		t.Fatalf("expected persisted owner membership, got %q err=%v", role, err)
	}
}

func TestNonMemberGetsNotFoundNotForbidden(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, nil)
	owner := seedUser(t, ms, "user-1", "Avery", "avery@example.com")
	stranger := seedUser(t, ms, "user-2", "Blake", "blake@example.com")

	board, err := svc.CreateBoard(context.Background(), sessionFor(owner), "Private")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}

	_, err = svc.GetBoard(context.Background(), sessionFor(stranger), board.ID)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected not-found for non-member, got %v", err)
	}
}

func TestViewerCannotDrawOrManage(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, nil)
	owner := seedUser(t, ms, "user-1", "Avery", "avery@example.com")
	viewer := seedUser(t, ms, "user-2", "Blake", "blake@example.com")

	board, err := svc.CreateBoard(context.Background(), sessionFor(owner), "Shared")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	if _, err := svc.InviteMember(context.Background(), sessionFor(owner), board.ID, viewer.Email, "viewer"); err != nil {
		t.Fatalf("invite viewer: %v", err)
	}

	if _, err := svc.GetBoard(context.Background(), sessionFor(viewer), board.ID); err != nil {
		t.Fatalf("viewer should see the board: %v", err)
	}

	_, err = svc.PutScene(context.Background(), sessionFor(viewer), board.ID, json.RawMessage(`{"elements":[]}`))
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN for viewer draw, got %v", err)
	}

	if err := svc.DeleteBoard(context.Background(), sessionFor(viewer), board.ID); err == nil {
		t.Fatalf("expected viewer delete to fail")
	}
}

func TestInviteRejectsOwnerRoleAndSelf(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, nil)
	owner := seedUser(t, ms, "user-1", "Avery", "avery@example.com")
	other := seedUser(t, ms, "user-2", "Blake", "blake@example.com")

	board, err := svc.CreateBoard(context.Background(), sessionFor(owner), "Shared")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}

	if _, err := svc.InviteMember(context.Background(), sessionFor(owner), board.ID, other.Email, "owner"); err == nil {
		t.Fatalf("expected owner-role invite to fail")
	}
	if _, err := svc.InviteMember(context.Background(), sessionFor(owner), board.ID, owner.Email, "editor"); err == nil {
		t.Fatalf("expected self invite to fail")
	}
}

func TestPutSceneMergesInsteadOfOverwriting(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, nil)
	owner := seedUser(t, ms, "user-1", "Avery", "avery@example.com")
	sess := sessionFor(owner)

	board, err := svc.CreateBoard(context.Background(), sess, "Merge test")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}

	newer := scene.Snapshot{Elements: []scene.Element{{
		ID: "el-1", Type: scene.TypeRectangle, Version: 5, UpdatedAt: 5000, VersionNonce: 1,
	}}}
	newerRaw, _ := json.Marshal(newer)
	if _, err := svc.PutScene(context.Background(), sess, board.ID, newerRaw); err != nil {
		t.Fatalf("first put: %v", err)
	}

	// A stale writer submits an older revision of el-1 plus a new el-2.
	stale := scene.Snapshot{Elements: []scene.Element{
		{ID: "el-1", Type: scene.TypeRectangle, Version: 2, UpdatedAt: 2000, VersionNonce: 2},
		{ID: "el-2", Type: scene.TypeEllipse, Version: 1, UpdatedAt: 2500, VersionNonce: 3},
	}}
	staleRaw, _ := json.Marshal(stale)
	mergedRaw, err := svc.PutScene(context.Background(), sess, board.ID, staleRaw)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}

	var merged scene.Snapshot
	if err := json.Unmarshal(mergedRaw, &merged); err != nil {
		t.Fatalf("decode merged: %v", err)
	}
	if len(merged.Elements) != 2 {
		t.Fatalf("expected union of 2 elements, got %d", len(merged.Elements))
	}
	for _, el := range merged.Elements {
		if el.ID == "el-1" && el.Version != 5 {
			t.Fatalf("stale write clobbered el-1: version %d", el.Version)
		}
	}
}

func TestConcurrentScenePutsKeepBothWriters(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, nil)
	owner := seedUser(t, ms, "user-1", "Avery", "avery@example.com")
	sess := sessionFor(owner)

	board, err := svc.CreateBoard(context.Background(), sess, "Race test")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}

	// Two writers that each saw the empty scene submit disjoint elements
	// at the same time. Neither write may drop the other's element.
	var wg sync.WaitGroup
	for _, id := range []string{"el-a", "el-b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			snap := scene.Snapshot{Elements: []scene.Element{{
				ID: id, Type: scene.TypeRectangle, Version: 1, UpdatedAt: 1000, VersionNonce: 1,
			}}}
			raw, _ := json.Marshal(snap)
			if _, err := svc.PutScene(context.Background(), sess, board.ID, raw); err != nil {
				t.Errorf("put %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	storedRaw, err := svc.GetScene(context.Background(), sess, board.ID)
	if err != nil {
		t.Fatalf("get scene: %v", err)
	}
	var stored scene.Snapshot
	if err := json.Unmarshal(storedRaw, &stored); err != nil {
		t.Fatalf("decode stored: %v", err)
	}
	if len(stored.Elements) != 2 {
		t.Fatalf("expected both writers' elements, got %d", len(stored.Elements))
	}
}

func TestChatTurnPersistsBothSides(t *testing.T) {
	ms := newMemStore()
	client := &fakeLLM{turnText: "Try sketching the axes first."}
	svc := newTestService(ms, client)
	owner := seedUser(t, ms, "user-1", "Avery", "avery@example.com")
	sess := sessionFor(owner)

	board, err := svc.CreateBoard(context.Background(), sess, "Chat test")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}

	var streamed strings.Builder
	result, err := svc.ChatTurn(context.Background(), sess, board.ID, ChatTurnInput{
		Mode:   "board",
		Text:   "How do I start?",
		TempID: "tmp-1",
	}, func(delta string) error {
		streamed.WriteString(delta)
		return nil
	})
	if err != nil {
		t.Fatalf("chat turn: %v", err)
	}

	if result.TempID != "tmp-1" {
		t.Fatalf("expected temp id echoed back, got %q", result.TempID)
	}
	if streamed.String() != client.turnText {
		t.Fatalf("streamed %q, want %q", streamed.String(), client.turnText)
	}
	if result.AssistantMessage.Body != client.turnText {
		t.Fatalf("assistant body %q", result.AssistantMessage.Body)
	}

	messages, err := svc.ListBoardMessages(context.Background(), sess, board.ID, "board", 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(messages))
	}
	if messages[0].Role != "user" || messages[1].Role != "assistant" {
		t.Fatalf("unexpected roles %q/%q", messages[0].Role, messages[1].Role)
	}
}

func TestChatTurnKeepsUserMessageWhenModelFails(t *testing.T) {
	ms := newMemStore()
	client := &fakeLLM{turnErr: errors.New("model offline")}
	svc := newTestService(ms, client)
	owner := seedUser(t, ms, "user-1", "Avery", "avery@example.com")
	sess := sessionFor(owner)

	board, err := svc.CreateBoard(context.Background(), sess, "Chat test")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}

	if _, err := svc.ChatTurn(context.Background(), sess, board.ID, ChatTurnInput{Mode: "board", Text: "Hello"}, nil); err == nil {
		t.Fatalf("expected turn error")
	}

	messages, err := svc.ListBoardMessages(context.Background(), sess, board.ID, "board", 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Role != "user" {
		t.Fatalf("expected user message to survive, got %d messages", len(messages))
	}
}

func TestTutorTurnCreatesPlanAndConditionsPrompt(t *testing.T) {
	ms := newMemStore()
	client := &fakeLLM{planJSON: testPlanJSON, turnText: "Start with step one."}
	svc := newTestService(ms, client)
	owner := seedUser(t, ms, "user-1", "Avery", "avery@example.com")
	sess := sessionFor(owner)

	board, err := svc.CreateBoard(context.Background(), sess, "Tutor test")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}

	result, err := svc.ChatTurn(context.Background(), sess, board.ID, ChatTurnInput{Mode: "tutor", Text: "Teach me factoring"}, nil)
	if err != nil {
		t.Fatalf("tutor turn: %v", err)
	}
	if result.Tutor == nil {
		t.Fatalf("expected tutor session on result")
	}
	if result.Tutor.Plan.Goal != "Factor quadratics" {
		t.Fatalf("unexpected plan goal %q", result.Tutor.Plan.Goal)
	}
	if result.Tutor.State.CurrentStepID != "s1" {
		t.Fatalf("expected current step s1, got %q", result.Tutor.State.CurrentStepID)
	}
	if result.Degraded {
		t.Fatalf("fresh plan should not be degraded")
	}

	row, err := ms.GetTutorSession(context.Background(), board.ID)
	if err != nil || row == nil {
		t.Fatalf("expected persisted tutor session, err=%v", err)
	}
}

func TestTutorPatchAdvancesState(t *testing.T) {
	ms := newMemStore()
	client := &fakeLLM{planJSON: testPlanJSON, turnText: "ok"}
	svc := newTestService(ms, client)
	owner := seedUser(t, ms, "user-1", "Avery", "avery@example.com")
	sess := sessionFor(owner)

	board, err := svc.CreateBoard(context.Background(), sess, "Tutor test")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	if _, err := svc.ChatTurn(context.Background(), sess, board.ID, ChatTurnInput{Mode: "tutor", Text: "go"}, nil); err != nil {
		t.Fatalf("tutor turn: %v", err)
	}

	patched, err := svc.PatchTutorState(context.Background(), sess, board.ID, TutorStateInput{
		CompleteStepIDs: []string{"s1"},
	})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if !patched.State.Completed("s1") {
		t.Fatalf("expected s1 completed")
	}
	if patched.State.CurrentStepID != "s2" {
		t.Fatalf("expected current step to advance to s2, got %q", patched.State.CurrentStepID)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, nil)
	user := seedUser(t, ms, "user-1", "Avery", "avery@example.com")

	first, err := svc.CreateSession(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	second, err := svc.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatalf("expected rotated refresh token")
	}

	if _, err := svc.Refresh(context.Background(), first.RefreshToken); err == nil {
		t.Fatalf("expected old refresh token to be revoked")
	}
}
