package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"walletscope/internal/domain"
)

type fakeReader struct {
	pending map[string][]*domain.DetectedTransaction
	err     error
}

func (f *fakeReader) ListPending(_ context.Context, userID string) ([]*domain.DetectedTransaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pending[userID], nil
}

type fakeWorkflow struct {
	confirmed []string
	rejected  []string
	merged    map[string]string
	err       error
}

func (f *fakeWorkflow) Confirm(_ context.Context, detectionID, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.confirmed = append(f.confirmed, detectionID)
	return nil
}

func (f *fakeWorkflow) Reject(_ context.Context, detectionID string) error {
	if f.err != nil {
		return f.err
	}
	f.rejected = append(f.rejected, detectionID)
	return nil
}

func (f *fakeWorkflow) Merge(_ context.Context, detectionID, transactionID string) error {
	if f.err != nil {
		return f.err
	}
	if f.merged == nil {
		f.merged = make(map[string]string)
	}
	f.merged[detectionID] = transactionID
	return nil
}

func testServer(reader *fakeReader, flow *fakeWorkflow) *Server {
	return NewServer("127.0.0.1:0", reader, flow, zap.NewNop())
}

func pendingDetection(userID string) *domain.DetectedTransaction {
	return &domain.DetectedTransaction{
		ID:         "det-pending",
		UserID:     userID,
		WalletID:   "wallet-1",
		Amount:     decimal.RequireFromString("42.5"),
		Currency:   "USDT",
		Type:       domain.TypeExpense,
		Confidence: 0.82,
		Method:     domain.MethodBalanceDelta,
		Status:     domain.StatusPending,
		DetectedAt: time.Now().UTC(),
	}
}

func TestPendingReturnsDetections(t *testing.T) {
	det := pendingDetection("alice")
	reader := &fakeReader{pending: map[string][]*domain.DetectedTransaction{"alice": {det}}}
	srv := testServer(reader, &fakeWorkflow{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/detections/pending?user=alice", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var got []*domain.DetectedTransaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, det.ID, got[0].ID)
	require.Equal(t, domain.TypeExpense, got[0].Type)
}

func TestPendingRequiresUser(t *testing.T) {
	srv := testServer(&fakeReader{}, &fakeWorkflow{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/detections/pending", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPendingEncodesEmptyListNotNull(t *testing.T) {
	srv := testServer(&fakeReader{}, &fakeWorkflow{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/detections/pending?user=alice", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestConfirmResolvesDetection(t *testing.T) {
	flow := &fakeWorkflow{}
	srv := testServer(&fakeReader{}, flow)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/detections/confirm",
		strings.NewReader(`{"detection_id":"det-1"}`))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{"det-1"}, flow.confirmed)
}

func TestRejectResolvesDetection(t *testing.T) {
	flow := &fakeWorkflow{}
	srv := testServer(&fakeReader{}, flow)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/detections/reject",
		strings.NewReader(`{"detection_id":"det-2"}`))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{"det-2"}, flow.rejected)
}

func TestMergeRequiresTransactionID(t *testing.T) {
	flow := &fakeWorkflow{}
	srv := testServer(&fakeReader{}, flow)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/detections/merge",
		strings.NewReader(`{"detection_id":"det-3"}`))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, flow.merged)
}

func TestMergeLinksTransaction(t *testing.T) {
	flow := &fakeWorkflow{}
	srv := testServer(&fakeReader{}, flow)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/detections/merge",
		strings.NewReader(`{"detection_id":"det-3","transaction_id":"tx-9"}`))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "tx-9", flow.merged["det-3"])
}

func TestResolveRejectsMissingDetectionID(t *testing.T) {
	flow := &fakeWorkflow{}
	srv := testServer(&fakeReader{}, flow)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/detections/confirm", strings.NewReader(`{}`))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, flow.confirmed)
}

func TestResolveSurfacesWorkflowError(t *testing.T) {
	flow := &fakeWorkflow{err: errors.New("already resolved")}
	srv := testServer(&fakeReader{}, flow)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/detections/reject",
		strings.NewReader(`{"detection_id":"det-4"}`))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "already resolved")
}
