package consensus_test

import (
	"context"
	"reflect"

	"go.uber.org/mock/gomock"

	"github.com/qrledger/core/consensus"
)

// MockQueryTransport is a hand-written gomock-style mock for
// consensus.QueryTransport, following the shape mockgen would generate
// for the teacher's validatorsmock package.
type MockQueryTransport struct {
	ctrl     *gomock.Controller
	recorder *MockQueryTransportMockRecorder
}

type MockQueryTransportMockRecorder struct {
	mock *MockQueryTransport
}

func NewMockQueryTransport(ctrl *gomock.Controller) *MockQueryTransport {
	m := &MockQueryTransport{ctrl: ctrl}
	m.recorder = &MockQueryTransportMockRecorder{mock: m}
	return m
}

func (m *MockQueryTransport) EXPECT() *MockQueryTransportMockRecorder {
	return m.recorder
}

func (m *MockQueryTransport) Query(ctx context.Context, peer consensus.PeerID, q consensus.Query) (consensus.Reply, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Query", ctx, peer, q)
	reply, _ := ret[0].(consensus.Reply)
	err, _ := ret[1].(error)
	return reply, err
}

func (mr *MockQueryTransportMockRecorder) Query(ctx, peer, q interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Query",
		reflect.TypeOf((*MockQueryTransport)(nil).Query), ctx, peer, q)
}
