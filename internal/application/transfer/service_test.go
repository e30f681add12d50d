package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	appdataplane "github.com/dataspace-connector/connector/internal/application/dataplane"
	policyengine "github.com/dataspace-connector/connector/internal/application/policy"
	"github.com/dataspace-connector/connector/internal/application/statemachine"
	"github.com/dataspace-connector/connector/internal/clock"
	"github.com/dataspace-connector/connector/internal/domain/asset"
	"github.com/dataspace-connector/connector/internal/domain/dataplane"
	"github.com/dataspace-connector/connector/internal/domain/entity"
	"github.com/dataspace-connector/connector/internal/domain/negotiation"
	"github.com/dataspace-connector/connector/internal/domain/policy"
	"github.com/dataspace-connector/connector/internal/domain/protocol"
	protomocks "github.com/dataspace-connector/connector/internal/domain/protocol/mocks"
	domain "github.com/dataspace-connector/connector/internal/domain/transfer"
	transfermocks "github.com/dataspace-connector/connector/internal/domain/transfer/mocks"
	"github.com/dataspace-connector/connector/internal/faults"
	"github.com/dataspace-connector/connector/internal/infrastructure/memory"
	"github.com/dataspace-connector/connector/internal/worker"
)

const (
	consumerID = "did:web:consumer"
	providerID = "did:web:provider"
)

type agreementBook map[string]*negotiation.ContractNegotiation

func (b agreementBook) AgreementFor(_ context.Context, agreementID string) (*negotiation.ContractNegotiation, error) {
	n, ok := b[agreementID]
	if !ok {
		return nil, fmt.Errorf("agreement %s: %w", agreementID, entity.ErrNotFound)
	}
	return n, nil
}

type memSource struct{ content string }

func (memSource) Type() string { return "mem" }

func (s memSource) Open(context.Context, domain.DataAddress) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.content)), nil
}

type fakeDataPlane struct {
	mu    sync.Mutex
	tasks []dataplane.Task
	err   error
}

func (f *fakeDataPlane) Submit(task dataplane.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakeDataPlane) Source(typ string) (dataplane.Source, bool) {
	if typ == "mem" {
		return memSource{content: "hello"}, true
	}
	return nil, false
}

type fixture struct {
	svc        *Service
	store      *memory.TransferStore
	dispatcher *protomocks.MockDispatcher
	plane      *fakeDataPlane
	clock      *clock.Manual
	ctrl       *gomock.Controller
}

func newFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	clk := clock.NewManual(time.UnixMilli(1_700_000_000_000))
	store := memory.NewTransferStore(clk)
	assets := memory.NewAssetStore()
	require.NoError(t, assets.Save(context.Background(), &asset.Asset{
		ID:          "asset-1",
		DataAddress: domain.DataAddress{Type: "mem", Properties: map[string]string{"key": "hello"}},
	}))
	usePolicy := policy.Policy{Permissions: []policy.Rule{{Action: "use", Constraints: []policy.Constraint{
		{LeftOperand: "agent.id", Operator: policy.OpEq, RightOperand: consumerID},
	}}}}
	book := agreementBook{
		"agreement-provider": {
			Role:              entity.RoleProvider,
			CounterPartyID:    consumerID,
			ContractAgreement: &negotiation.ContractAgreement{ID: "agreement-provider", ProviderID: providerID, ConsumerID: consumerID, AssetID: "asset-1", Policy: usePolicy},
		},
		"agreement-consumer": {
			Role:                entity.RoleConsumer,
			CounterPartyID:      providerID,
			CounterPartyAddress: "http://provider/protocol",
			ContractAgreement:   &negotiation.ContractAgreement{ID: "agreement-consumer", ProviderID: providerID, ConsumerID: consumerID, AssetID: "asset-1"},
		},
	}
	dispatcher := protomocks.NewMockDispatcher(ctrl)
	plane := &fakeDataPlane{}
	tokens := appdataplane.NewAuthorization(memory.NewTokenStore(), providerID, time.Hour, clk)
	svc := NewService(Config{
		ParticipantID:   providerID,
		ProtocolAddress: "http://self/protocol",
		PublicAddress:   "http://self/",
		StateMachine: statemachine.Config{
			Owner:         "replica-a",
			BatchSize:     10,
			LeaseDuration: time.Minute,
			MaxRetries:    maxRetries,
			Workers:       2,
		},
	}, store, book, assets, dispatcher, policyengine.NewEngine(zerolog.Nop()), plane, tokens, nil, clk, nil, zerolog.Nop())
	return &fixture{svc: svc, store: store, dispatcher: dispatcher, plane: plane, clock: clk, ctrl: ctrl}
}

func (f *fixture) cycle(t *testing.T) {
	t.Helper()
	_, err := f.svc.ProcessOnce(context.Background())
	require.NoError(t, err)
}

func (f *fixture) get(t *testing.T, id string) *domain.Process {
	t.Helper()
	p, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (f *fixture) request(t *testing.T, transferType string, dest *domain.DataAddress) *domain.Process {
	t.Helper()
	a, err := f.svc.HandleRequest(context.Background(), consumerID, protocol.TransferRequestMessage{
		ProcessIDs:      protocol.ProcessIDs{ConsumerPID: "consumer-pid"},
		AgreementID:     "agreement-provider",
		TransferType:    transferType,
		DataAddress:     dest,
		CallbackAddress: "http://consumer/protocol",
	})
	require.NoError(t, err)
	return f.get(t, a.ProviderPID)
}

func provisioner(ctrl *gomock.Controller, typ string) *transfermocks.MockProvisioner {
	p := transfermocks.NewMockProvisioner(ctrl)
	p.EXPECT().ResourceType().Return(typ).AnyTimes()
	return p
}

func TestProvisioningWaitsForAsynchronousCallback(t *testing.T) {
	f := newFixture(t, 10)
	syncProv := provisioner(f.ctrl, "sync-bucket")
	asyncProv := provisioner(f.ctrl, "async-bucket")
	f.svc.RegisterProvisioner(syncProv)
	f.svc.RegisterProvisioner(asyncProv)

	p, err := f.svc.Initiate(context.Background(), InitiateRequest{
		AgreementID:  "agreement-consumer",
		TransferType: "mem-PUSH",
		Destination:  domain.DataAddress{Type: "mem"},
		ResourceManifest: []domain.ResourceDefinition{
			{ID: "def-sync", Type: "sync-bucket"},
			{ID: "def-async", Type: "async-bucket"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "http://provider/protocol", p.CounterPartyAddress)

	syncProv.EXPECT().Provision(gomock.Any(), p.ID, gomock.Any()).
		Return(&domain.ProvisionResult{Resource: domain.ProvisionedResource{ID: "res-sync"}}, nil).Times(1)
	asyncProv.EXPECT().Provision(gomock.Any(), p.ID, gomock.Any()).
		Return(&domain.ProvisionResult{Resource: domain.ProvisionedResource{ID: "res-async"}, Async: true}, nil).Times(1)

	f.cycle(t)
	got := f.get(t, p.ID)
	assert.Equal(t, domain.Provisioning, got.State)
	require.Len(t, got.ProvisionedResources, 2)
	assert.False(t, got.ProvisioningComplete())

	f.cycle(t)
	assert.Equal(t, domain.Provisioning, f.get(t, p.ID).State)

	_, err = f.svc.ProvisionCallback(context.Background(), p.ID, "def-async", &domain.DataAddress{Type: "mem", Properties: map[string]string{"bucket": "b-1"}})
	require.NoError(t, err)
	assert.Equal(t, domain.Provisioning, f.get(t, p.ID).State)

	f.dispatcher.EXPECT().
		Dispatch(gomock.Any(), "http://provider/protocol", gomock.AssignableToTypeOf(protocol.TransferRequestMessage{})).
		DoAndReturn(func(_ context.Context, _ string, msg protocol.Message) (*protocol.Ack, error) {
			req := msg.(protocol.TransferRequestMessage)
			assert.Equal(t, "agreement-consumer", req.AgreementID)
			require.NotNil(t, req.DataAddress)
			assert.Equal(t, "b-1", req.DataAddress.Property("bucket"))
			return &protocol.Ack{ProcessIDs: protocol.ProcessIDs{ProviderPID: "provider-pid"}}, nil
		})

	f.cycle(t)
	got = f.get(t, p.ID)
	assert.Equal(t, domain.Requested, got.State)
	assert.True(t, got.ProvisioningComplete())
	assert.Equal(t, "provider-pid", got.CorrelationID)
}

func TestProvisionCallbackRejectsUnknownDefinition(t *testing.T) {
	f := newFixture(t, 10)
	asyncProv := provisioner(f.ctrl, "async-bucket")
	f.svc.RegisterProvisioner(asyncProv)
	p, err := f.svc.Initiate(context.Background(), InitiateRequest{
		AgreementID:      "agreement-consumer",
		TransferType:     "mem-PUSH",
		Destination:      domain.DataAddress{Type: "mem"},
		ResourceManifest: []domain.ResourceDefinition{{ID: "def-async", Type: "async-bucket"}},
	})
	require.NoError(t, err)

	_, err = f.svc.ProvisionCallback(context.Background(), p.ID, "def-async", nil)
	assert.ErrorIs(t, err, entity.ErrInvalidTransition)

	asyncProv.EXPECT().Provision(gomock.Any(), p.ID, gomock.Any()).
		Return(&domain.ProvisionResult{Async: true}, nil)
	f.cycle(t)
	_, err = f.svc.ProvisionCallback(context.Background(), p.ID, "def-other", nil)
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestMissingProvisionerFailsConsumerTransfer(t *testing.T) {
	f := newFixture(t, 10)
	p, err := f.svc.Initiate(context.Background(), InitiateRequest{
		AgreementID:      "agreement-consumer",
		TransferType:     "mem-PUSH",
		Destination:      domain.DataAddress{Type: "mem"},
		ResourceManifest: []domain.ResourceDefinition{{ID: "def-1", Type: "unknown"}},
	})
	require.NoError(t, err)

	f.cycle(t)
	got := f.get(t, p.ID)
	assert.Equal(t, domain.Terminated, got.State)
	require.NotNil(t, got.ErrorDetail)
	assert.Contains(t, *got.ErrorDetail, "no provisioner")
}

func TestProviderPushFlowCompletes(t *testing.T) {
	f := newFixture(t, 5)
	p := f.request(t, "mem-PUSH", &domain.DataAddress{Type: "mem", Properties: map[string]string{"target": "t-1"}})
	assert.Equal(t, domain.Initial, p.State)
	assert.Equal(t, "consumer-pid", p.CorrelationID)
	require.NotNil(t, p.ContentDataAddress)

	f.dispatcher.EXPECT().
		Dispatch(gomock.Any(), "http://consumer/protocol", gomock.AssignableToTypeOf(protocol.TransferStartMessage{})).
		DoAndReturn(func(_ context.Context, _ string, msg protocol.Message) (*protocol.Ack, error) {
			start := msg.(protocol.TransferStartMessage)
			assert.Equal(t, "consumer-pid", start.ConsumerPID)
			assert.Nil(t, start.DataAddress)
			return &protocol.Ack{}, nil
		})
	f.cycle(t)
	assert.Equal(t, domain.Started, f.get(t, p.ID).State)
	require.Len(t, f.plane.tasks, 1)
	task := f.plane.tasks[0]
	assert.Equal(t, p.ID, task.FlowID)
	assert.Equal(t, "mem", task.Source.Type)
	assert.Equal(t, "t-1", task.Destination.Property("target"))

	require.NoError(t, f.svc.CompleteDataFlow(context.Background(), p.ID, nil))
	assert.Equal(t, domain.Completing, f.get(t, p.ID).State)
	require.NoError(t, f.svc.CompleteDataFlow(context.Background(), p.ID, nil))

	f.dispatcher.EXPECT().
		Dispatch(gomock.Any(), "http://consumer/protocol", gomock.AssignableToTypeOf(protocol.TransferCompletionMessage{})).
		DoAndReturn(func(_ context.Context, _ string, msg protocol.Message) (*protocol.Ack, error) {
			assert.Equal(t, "/transfers/consumer-pid/completion", msg.Route())
			return &protocol.Ack{}, nil
		})
	f.cycle(t)
	assert.Equal(t, domain.Completed, f.get(t, p.ID).State)
}

func TestFailedDataFlowTerminatesTransfer(t *testing.T) {
	f := newFixture(t, 5)
	p := f.request(t, "mem-PUSH", &domain.DataAddress{Type: "mem"})
	f.dispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any(), gomock.AssignableToTypeOf(protocol.TransferStartMessage{})).Return(&protocol.Ack{}, nil)
	f.cycle(t)

	require.NoError(t, f.svc.CompleteDataFlow(context.Background(), p.ID, errors.New("sink unavailable")))
	got := f.get(t, p.ID)
	assert.Equal(t, domain.Terminating, got.State)

	f.dispatcher.EXPECT().
		Dispatch(gomock.Any(), gomock.Any(), gomock.AssignableToTypeOf(protocol.TransferTerminationMessage{})).
		DoAndReturn(func(_ context.Context, _ string, msg protocol.Message) (*protocol.Ack, error) {
			term := msg.(protocol.TransferTerminationMessage)
			assert.Contains(t, term.Reason, "sink unavailable")
			assert.Equal(t, protocol.ToConsumer, term.To)
			return &protocol.Ack{}, nil
		})
	f.cycle(t)
	assert.Equal(t, domain.Terminated, f.get(t, p.ID).State)
}

func TestFullQueueRetriesStarting(t *testing.T) {
	f := newFixture(t, 5)
	p := f.request(t, "mem-PUSH", &domain.DataAddress{Type: "mem"})
	f.plane.err = faults.NewTransient("dataplane submit", worker.ErrQueueFull)

	f.cycle(t)
	got := f.get(t, p.ID)
	assert.Equal(t, domain.Starting, got.State)
	assert.Equal(t, 1, got.StateCount)

	err := f.svc.CompleteDataFlow(context.Background(), p.ID, nil)
	assert.True(t, faults.IsTransient(err))

	f.plane.err = nil
	f.dispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any(), gomock.Any()).Return(&protocol.Ack{}, nil)
	f.cycle(t)
	assert.Equal(t, domain.Started, f.get(t, p.ID).State)
	assert.Len(t, f.plane.tasks, 1)
}

func TestUnsupportedSinkFailsProviderTransfer(t *testing.T) {
	f := newFixture(t, 5)
	p := f.request(t, "mem-PUSH", &domain.DataAddress{Type: "mem"})
	f.plane.err = faults.NewPermanent("dataplane submit", dataplane.ErrUnsupportedType)

	f.cycle(t)
	got := f.get(t, p.ID)
	assert.Equal(t, domain.Terminating, got.State)
	require.NotNil(t, got.ErrorDetail)
	assert.Contains(t, *got.ErrorDetail, "unsupported")
}

func TestProviderPullFlowIssuesAndRevokesToken(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	p := f.request(t, "HttpData-PULL", nil)

	var address *domain.DataAddress
	f.dispatcher.EXPECT().
		Dispatch(gomock.Any(), gomock.Any(), gomock.AssignableToTypeOf(protocol.TransferStartMessage{})).
		DoAndReturn(func(_ context.Context, _ string, msg protocol.Message) (*protocol.Ack, error) {
			address = msg.(protocol.TransferStartMessage).DataAddress
			return &protocol.Ack{}, nil
		})
	f.cycle(t)
	assert.Equal(t, domain.Started, f.get(t, p.ID).State)
	assert.Empty(t, f.plane.tasks)
	require.NotNil(t, address)
	assert.Equal(t, "http://self/public/"+p.ID, address.Property("baseUrl"))
	token, ok := strings.CutPrefix(address.Property("authCode"), "Bearer ")
	require.True(t, ok)

	r, err := f.svc.OpenPull(ctx, p.ID, token)
	require.NoError(t, err)
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	_, err = f.svc.OpenPull(ctx, "other", token)
	assert.ErrorIs(t, err, dataplane.ErrTokenInvalid)

	_, err = f.svc.HandleCompletion(ctx, consumerID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Completed, f.get(t, p.ID).State)

	_, err = f.svc.OpenPull(ctx, p.ID, token)
	assert.ErrorIs(t, err, dataplane.ErrTokenInvalid)
}

func TestHandleRequestChecks(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	base := protocol.TransferRequestMessage{
		ProcessIDs:      protocol.ProcessIDs{ConsumerPID: "c-1"},
		AgreementID:     "agreement-provider",
		TransferType:    "HttpData-PULL",
		CallbackAddress: "http://consumer/protocol",
	}

	_, err := f.svc.HandleRequest(ctx, consumerID, protocol.TransferRequestMessage{})
	assert.ErrorIs(t, err, protocol.ErrInvalidMessage)

	push := base
	push.TransferType = "mem-PUSH"
	_, err = f.svc.HandleRequest(ctx, consumerID, push)
	assert.ErrorIs(t, err, protocol.ErrInvalidMessage)

	unknown := base
	unknown.AgreementID = "nope"
	_, err = f.svc.HandleRequest(ctx, consumerID, unknown)
	assert.ErrorIs(t, err, protocol.ErrInvalidMessage)

	notOurs := base
	notOurs.AgreementID = "agreement-consumer"
	_, err = f.svc.HandleRequest(ctx, consumerID, notOurs)
	assert.ErrorIs(t, err, protocol.ErrInvalidMessage)

	_, err = f.svc.HandleRequest(ctx, "did:web:intruder", base)
	assert.ErrorIs(t, err, protocol.ErrForbidden)

	first, err := f.svc.HandleRequest(ctx, consumerID, base)
	require.NoError(t, err)
	again, err := f.svc.HandleRequest(ctx, consumerID, base)
	require.NoError(t, err)
	assert.Equal(t, first.ProviderPID, again.ProviderPID)
	assert.Equal(t, "INITIAL", again.State)
}

func TestTransferPolicyDenial(t *testing.T) {
	f := newFixture(t, 5)
	book := f.svc.agreements.(agreementBook)
	book["agreement-provider"].ContractAgreement.Policy = policy.Policy{Prohibitions: []policy.Rule{{Action: "use"}}}

	_, err := f.svc.HandleRequest(context.Background(), consumerID, protocol.TransferRequestMessage{
		ProcessIDs:      protocol.ProcessIDs{ConsumerPID: "c-1"},
		AgreementID:     "agreement-provider",
		TransferType:    "HttpData-PULL",
		CallbackAddress: "http://consumer/protocol",
	})
	assert.ErrorIs(t, err, policy.ErrDenied)
}

func TestConsumerStartAndTermination(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	p, err := f.svc.Initiate(ctx, InitiateRequest{AgreementID: "agreement-consumer", TransferType: "HttpData-PULL"})
	require.NoError(t, err)

	f.dispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any(), gomock.AssignableToTypeOf(protocol.TransferRequestMessage{})).
		DoAndReturn(func(_ context.Context, _ string, msg protocol.Message) (*protocol.Ack, error) {
			assert.Nil(t, msg.(protocol.TransferRequestMessage).DataAddress)
			return &protocol.Ack{ProcessIDs: protocol.ProcessIDs{ProviderPID: "provider-pid"}}, nil
		})
	f.cycle(t)
	require.Equal(t, domain.Requested, f.get(t, p.ID).State)

	start := protocol.TransferStartMessage{
		ProcessIDs:  protocol.ProcessIDs{ConsumerPID: p.ID, ProviderPID: "provider-pid"},
		DataAddress: &domain.DataAddress{Type: "HttpData", Properties: map[string]string{"baseUrl": "http://provider/public/x"}},
	}
	_, err = f.svc.HandleStart(ctx, "did:web:intruder", start)
	assert.ErrorIs(t, err, protocol.ErrForbidden)
	_, err = f.svc.HandleStart(ctx, providerID, start)
	require.NoError(t, err)
	got := f.get(t, p.ID)
	assert.Equal(t, domain.Started, got.State)
	require.NotNil(t, got.ContentDataAddress)
	assert.Equal(t, "http://provider/public/x", got.ContentDataAddress.Property("baseUrl"))

	_, err = f.svc.HandleStart(ctx, providerID, start)
	require.NoError(t, err)

	a, err := f.svc.HandleTermination(ctx, providerID, p.ID, protocol.TransferTerminationMessage{Reason: "quota exceeded"})
	require.NoError(t, err)
	assert.Equal(t, "TERMINATED", a.State)
	got = f.get(t, p.ID)
	require.NotNil(t, got.ErrorDetail)
	assert.Equal(t, "terminated by counterparty: quota exceeded", *got.ErrorDetail)
}

func TestDeprovisionAfterCompletion(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	prov := provisioner(f.ctrl, "bucket")
	f.svc.RegisterProvisioner(prov)

	p := domain.New("tp-1", entity.RoleConsumer, domain.DataRequest{TransferType: "mem-PUSH"}, f.clock.Now())
	p.State = domain.Completed
	p.ProvisionedResources = []domain.ProvisionedResource{
		{ID: "res-1", ResourceDefinitionID: "def-1", Type: "bucket"},
		{ID: "res-2", ResourceDefinitionID: "def-2", Type: "bucket"},
		{ID: "res-3", ResourceDefinitionID: "def-3", Type: "retired"},
	}
	require.NoError(t, f.store.Save(ctx, p))

	_, err := f.svc.Deprovision(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Deprovisioning, f.get(t, p.ID).State)

	prov.EXPECT().Deprovision(gomock.Any(), p.ID, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, res domain.ProvisionedResource) (bool, error) {
			return res.ID == "res-2", nil
		}).Times(2)
	f.cycle(t)
	assert.Equal(t, domain.Deprovisioning, f.get(t, p.ID).State)

	_, err = f.svc.DeprovisionCallback(ctx, p.ID, "res-2")
	require.NoError(t, err)
	f.cycle(t)
	assert.Equal(t, domain.Deprovisioned, f.get(t, p.ID).State)

	_, err = f.svc.DeprovisionCallback(ctx, p.ID, "res-2")
	require.NoError(t, err)
}

func TestTerminateAndCompleteCommands(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	p, err := f.svc.Initiate(ctx, InitiateRequest{AgreementID: "agreement-consumer", TransferType: "HttpData-PULL"})
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, p.ID)
	assert.ErrorIs(t, err, entity.ErrInvalidTransition)

	got, err := f.svc.Terminate(ctx, p.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.Terminating, got.State)

	f.cycle(t)
	assert.Equal(t, domain.Terminated, f.get(t, p.ID).State)

	_, err = f.svc.Initiate(ctx, InitiateRequest{AgreementID: "missing", TransferType: "HttpData-PULL"})
	assert.ErrorIs(t, err, entity.ErrNotFound)
	_, err = f.svc.Initiate(ctx, InitiateRequest{AgreementID: "agreement-consumer", TransferType: "mem-PUSH"})
	assert.ErrorIs(t, err, protocol.ErrInvalidMessage)
}

func TestStartRetryDoesNotResubmitPushFlow(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	p := f.request(t, "mem-PUSH", &domain.DataAddress{Type: "mem"})

	gomock.InOrder(
		f.dispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any(), gomock.AssignableToTypeOf(protocol.TransferStartMessage{})).
			Return(nil, faults.Transientf("dispatch", "status 503")),
		f.dispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any(), gomock.AssignableToTypeOf(protocol.TransferStartMessage{})).
			Return(&protocol.Ack{}, nil),
	)
	f.cycle(t)
	got := f.get(t, p.ID)
	require.Equal(t, domain.Starting, got.State)
	assert.True(t, got.DataFlowSubmitted)
	require.Len(t, f.plane.tasks, 1)

	// The flow finishes before the consumer has been told it started.
	require.NoError(t, f.svc.CompleteDataFlow(ctx, p.ID, nil))
	require.NoError(t, f.svc.CompleteDataFlow(ctx, p.ID, nil))
	assert.Equal(t, domain.Starting, f.get(t, p.ID).State)

	f.dispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any(), gomock.AssignableToTypeOf(protocol.TransferCompletionMessage{})).
		Return(&protocol.Ack{}, nil)
	f.cycle(t)
	assert.Equal(t, domain.Completed, f.get(t, p.ID).State)
	assert.Len(t, f.plane.tasks, 1)
}

func TestFlowFailureDuringStartRetryTerminates(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	p := f.request(t, "mem-PUSH", &domain.DataAddress{Type: "mem"})

	gomock.InOrder(
		f.dispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any(), gomock.AssignableToTypeOf(protocol.TransferStartMessage{})).
			Return(nil, faults.Transientf("dispatch", "timeout")),
		f.dispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any(), gomock.AssignableToTypeOf(protocol.TransferStartMessage{})).
			Return(&protocol.Ack{}, nil),
	)
	f.cycle(t)
	require.NoError(t, f.svc.CompleteDataFlow(ctx, p.ID, errors.New("sink refused")))

	f.dispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any(), gomock.AssignableToTypeOf(protocol.TransferTerminationMessage{})).
		DoAndReturn(func(_ context.Context, _ string, msg protocol.Message) (*protocol.Ack, error) {
			assert.Contains(t, msg.(protocol.TransferTerminationMessage).Reason, "sink refused")
			return &protocol.Ack{}, nil
		})
	f.cycle(t)
	assert.Equal(t, domain.Terminated, f.get(t, p.ID).State)
	assert.Len(t, f.plane.tasks, 1)
}

func TestTerminationDuringStalledStartIsKept(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	p := f.request(t, "mem-PUSH", &domain.DataAddress{Type: "mem"})

	f.dispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any(), gomock.AssignableToTypeOf(protocol.TransferStartMessage{})).
		DoAndReturn(func(context.Context, string, protocol.Message) (*protocol.Ack, error) {
			// The start message hangs past the lease and an operator terminates meanwhile.
			f.clock.Advance(2 * time.Minute)
			terminated, err := f.svc.Terminate(ctx, p.ID, "operator abort")
			require.NoError(t, err)
			require.Equal(t, domain.Terminating, terminated.State)
			return &protocol.Ack{}, nil
		})
	f.dispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any(), gomock.AssignableToTypeOf(protocol.TransferTerminationMessage{})).
		DoAndReturn(func(_ context.Context, _ string, msg protocol.Message) (*protocol.Ack, error) {
			assert.Equal(t, "operator abort", msg.(protocol.TransferTerminationMessage).Reason)
			return &protocol.Ack{}, nil
		})

	f.cycle(t)
	got := f.get(t, p.ID)
	assert.Equal(t, domain.Terminated, got.State)
	require.NotNil(t, got.ErrorDetail)
	assert.Equal(t, "operator abort", *got.ErrorDetail)
}

func TestProvisioningKeepsRecordedResourcesAcrossRetries(t *testing.T) {
	f := newFixture(t, 10)
	first := provisioner(f.ctrl, "bucket-a")
	second := provisioner(f.ctrl, "bucket-b")
	f.svc.RegisterProvisioner(first)
	f.svc.RegisterProvisioner(second)
	p, err := f.svc.Initiate(context.Background(), InitiateRequest{
		AgreementID:  "agreement-consumer",
		TransferType: "mem-PUSH",
		Destination:  domain.DataAddress{Type: "mem"},
		ResourceManifest: []domain.ResourceDefinition{
			{ID: "def-a", Type: "bucket-a"},
			{ID: "def-b", Type: "bucket-b"},
		},
	})
	require.NoError(t, err)

	first.EXPECT().Provision(gomock.Any(), p.ID, gomock.Any()).
		Return(&domain.ProvisionResult{Resource: domain.ProvisionedResource{ID: "res-a"}}, nil).Times(1)
	gomock.InOrder(
		second.EXPECT().Provision(gomock.Any(), p.ID, gomock.Any()).
			Return(nil, faults.Transientf("provision", "bucket service unavailable")),
		second.EXPECT().Provision(gomock.Any(), p.ID, gomock.Any()).
			Return(&domain.ProvisionResult{Resource: domain.ProvisionedResource{ID: "res-b"}}, nil),
	)

	f.cycle(t)
	got := f.get(t, p.ID)
	require.Equal(t, domain.Provisioning, got.State)
	require.Len(t, got.ProvisionedResources, 1)
	assert.Equal(t, "res-a", got.ProvisionedResources[0].ID)

	f.dispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any(), gomock.AssignableToTypeOf(protocol.TransferRequestMessage{})).
		Return(&protocol.Ack{ProcessIDs: protocol.ProcessIDs{ProviderPID: "provider-pid"}}, nil)
	f.cycle(t)
	got = f.get(t, p.ID)
	assert.Equal(t, domain.Requested, got.State)
	assert.Len(t, got.ProvisionedResources, 2)
}

func TestProvisioningReplayAfterLostLeaseUsesSameDefinition(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	prov := provisioner(f.ctrl, "bucket")
	f.svc.RegisterProvisioner(prov)
	p, err := f.svc.Initiate(ctx, InitiateRequest{
		AgreementID:      "agreement-consumer",
		TransferType:     "mem-PUSH",
		Destination:      domain.DataAddress{Type: "mem"},
		ResourceManifest: []domain.ResourceDefinition{{ID: "def-1", Type: "bucket"}},
	})
	require.NoError(t, err)

	var seen []domain.ResourceDefinition
	gomock.InOrder(
		prov.EXPECT().Provision(gomock.Any(), p.ID, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, def domain.ResourceDefinition) (*domain.ProvisionResult, error) {
				seen = append(seen, def)
				// Another replica takes the transfer over before the result is saved.
				f.clock.Advance(2 * time.Minute)
				require.NoError(t, f.store.Lease(ctx, p.ID, "replica-b", time.Second))
				require.NoError(t, f.store.Release(ctx, p.ID, "replica-b"))
				return &domain.ProvisionResult{Async: true}, nil
			}),
		prov.EXPECT().Provision(gomock.Any(), p.ID, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, def domain.ResourceDefinition) (*domain.ProvisionResult, error) {
				seen = append(seen, def)
				return &domain.ProvisionResult{Async: true}, nil
			}),
	)

	f.cycle(t)
	assert.Empty(t, f.get(t, p.ID).ProvisionedResources, "result of the replica that lost its lease is dropped")

	f.cycle(t)
	f.cycle(t)
	require.Len(t, seen, 2)
	assert.Equal(t, seen[0], seen[1])
	got := f.get(t, p.ID)
	require.Len(t, got.ProvisionedResources, 1)
	assert.True(t, got.ProvisionedResources[0].Pending)
}

func TestDuplicateProvisionCallbackIsAccepted(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	asyncProv := provisioner(f.ctrl, "async-bucket")
	f.svc.RegisterProvisioner(asyncProv)
	p, err := f.svc.Initiate(ctx, InitiateRequest{
		AgreementID:      "agreement-consumer",
		TransferType:     "mem-PUSH",
		Destination:      domain.DataAddress{Type: "mem"},
		ResourceManifest: []domain.ResourceDefinition{{ID: "def-async", Type: "async-bucket"}},
	})
	require.NoError(t, err)
	asyncProv.EXPECT().Provision(gomock.Any(), p.ID, gomock.Any()).
		Return(&domain.ProvisionResult{Async: true}, nil)
	f.cycle(t)

	addr := &domain.DataAddress{Type: "mem", Properties: map[string]string{"bucket": "b-1"}}
	_, err = f.svc.ProvisionCallback(ctx, p.ID, "def-async", addr)
	require.NoError(t, err)
	_, err = f.svc.ProvisionCallback(ctx, p.ID, "def-async", addr)
	require.NoError(t, err)

	f.dispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any(), gomock.AssignableToTypeOf(protocol.TransferRequestMessage{})).
		Return(&protocol.Ack{ProcessIDs: protocol.ProcessIDs{ProviderPID: "provider-pid"}}, nil)
	f.cycle(t)
	require.Equal(t, domain.Requested, f.get(t, p.ID).State)

	got, err := f.svc.ProvisionCallback(ctx, p.ID, "def-async", addr)
	require.NoError(t, err, "a callback repeated after provisioning finished is acknowledged")
	assert.Equal(t, domain.Requested, got.State)
}

func TestConcurrentDuplicateRequestsCreateOneTransfer(t *testing.T) {
	f := newFixture(t, 5)
	msg := protocol.TransferRequestMessage{
		ProcessIDs:      protocol.ProcessIDs{ConsumerPID: "consumer-pid"},
		AgreementID:     "agreement-provider",
		TransferType:    "HttpData-PULL",
		CallbackAddress: "http://consumer/protocol",
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		pids = map[string]bool{}
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := f.svc.HandleRequest(context.Background(), consumerID, msg)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			pids[a.ProviderPID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, pids, 1)

	all, err := f.svc.List(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
