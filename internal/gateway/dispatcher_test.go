package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaudehloBiz/jobber-backend/internal/engine"
	"github.com/BaudehloBiz/jobber-backend/internal/metrics"
	"github.com/BaudehloBiz/jobber-backend/internal/model"
	"github.com/BaudehloBiz/jobber-backend/internal/protocol"
	"github.com/BaudehloBiz/jobber-backend/internal/session"
)

// MockBroker is a mock implementation of the Broker interface.
type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Publish(ctx context.Context, queue string, payload []byte, opts *protocol.JobOptions) (string, error) {
	args := m.Called(ctx, queue, payload, opts)
	return args.String(0), args.Error(1)
}

func (m *MockBroker) Subscribe(ctx context.Context, queue string, opts engine.WorkOptions, handler engine.WorkHandler) (*engine.Subscription, error) {
	args := m.Called(ctx, queue, opts, handler)
	var sub *engine.Subscription
	if v := args.Get(0); v != nil {
		sub = v.(*engine.Subscription)
	}
	return sub, args.Error(1)
}

func (m *MockBroker) Cancel(ctx context.Context, queue, jobID string) error {
	args := m.Called(ctx, queue, jobID)
	return args.Error(0)
}

func (m *MockBroker) QueueSize(ctx context.Context, queue string, states ...model.JobState) (int64, error) {
	args := m.Called(ctx, queue, states)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockBroker) GetJob(ctx context.Context, queue, jobID string) (*model.Job, error) {
	args := m.Called(ctx, queue, jobID)
	var job *model.Job
	if v := args.Get(0); v != nil {
		job = v.(*model.Job)
	}
	return job, args.Error(1)
}

func (m *MockBroker) Schedule(ctx context.Context, queue, cronExpr string, payload []byte, opts *protocol.JobOptions) error {
	args := m.Called(ctx, queue, cronExpr, payload, opts)
	return args.Error(0)
}

func newTestDispatcher(broker Broker) (*Dispatcher, *session.Registry) {
	registry := session.NewRegistry()
	logger := zap.NewNop()
	m := metrics.NewMetrics()
	fanout := NewFanout(registry, nil, m, logger)
	return NewDispatcher(broker, registry, fanout, m, logger), registry
}

func connectSession(registry *session.Registry, connID, tenantID string) *model.Session {
	sess := model.NewSession("client-"+tenantID+"-1", tenantID, 16)
	registry.Add(connID, sess)
	return sess
}

func makeEnvelope(t *testing.T, msgType, id string, data any) *protocol.Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return &protocol.Envelope{Type: msgType, ID: id, Data: raw}
}

func decodeError(t *testing.T, env *protocol.Envelope) string {
	t.Helper()
	require.NotNil(t, env)
	require.Equal(t, protocol.TypeReply, env.Type)
	var reply protocol.ErrorReply
	require.NoError(t, json.Unmarshal(env.Data, &reply))
	return reply.Error
}

func TestDispatchRejectsUnknownConnection(t *testing.T) {
	broker := new(MockBroker)
	dispatcher, _ := newTestDispatcher(broker)

	env := makeEnvelope(t, protocol.TypeSendJob, "req-1", protocol.SendJobRequest{Name: "welcome-email"})
	reply := dispatcher.Dispatch(context.Background(), "no-such-conn", env)

	assert.Equal(t, "req-1", reply.ID)
	assert.Contains(t, decodeError(t, reply), "not authenticated")
	broker.AssertNotCalled(t, "Publish")
}

func TestDispatchRejectsUnknownType(t *testing.T) {
	broker := new(MockBroker)
	dispatcher, registry := newTestDispatcher(broker)
	connectSession(registry, "conn-1", "cust-1")

	reply := dispatcher.Dispatch(context.Background(), "conn-1", &protocol.Envelope{Type: "drop_tables", ID: "req-1"})

	assert.Contains(t, decodeError(t, reply), "unknown message type")
}

func TestSendJobUsesTenantQueue(t *testing.T) {
	broker := new(MockBroker)
	dispatcher, registry := newTestDispatcher(broker)
	connectSession(registry, "conn-1", "cust-1")

	broker.On("Publish", mock.Anything, "cust-1/welcome-email", mock.Anything, mock.Anything).
		Return("job-42", nil)

	env := makeEnvelope(t, protocol.TypeSendJob, "req-1", protocol.SendJobRequest{
		Name: "welcome-email",
		Data: json.RawMessage(`{"to":"a@example.com"}`),
	})
	reply := dispatcher.Dispatch(context.Background(), "conn-1", env)

	require.NotNil(t, reply)
	assert.Equal(t, protocol.TypeReply, reply.Type)
	assert.Equal(t, "req-1", reply.ID)

	var ack protocol.SendJobReply
	require.NoError(t, json.Unmarshal(reply.Data, &ack))
	assert.Equal(t, "job-42", ack.JobID)
	broker.AssertExpectations(t)
}

func TestSendJobIsolatesTenants(t *testing.T) {
	broker := new(MockBroker)
	dispatcher, registry := newTestDispatcher(broker)
	connectSession(registry, "conn-a", "cust-a")
	connectSession(registry, "conn-b", "cust-b")

	var queues []string
	broker.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			queues = append(queues, args.String(1))
		}).
		Return("job-1", nil)

	env := makeEnvelope(t, protocol.TypeSendJob, "req-1", protocol.SendJobRequest{Name: "report"})
	dispatcher.Dispatch(context.Background(), "conn-a", env)
	dispatcher.Dispatch(context.Background(), "conn-b", env)

	require.Len(t, queues, 2)
	assert.Equal(t, "cust-a/report", queues[0])
	assert.Equal(t, "cust-b/report", queues[1])
	assert.NotEqual(t, queues[0], queues[1])
}

func TestSendJobRequiresName(t *testing.T) {
	broker := new(MockBroker)
	dispatcher, registry := newTestDispatcher(broker)
	connectSession(registry, "conn-1", "cust-1")

	env := makeEnvelope(t, protocol.TypeSendJob, "req-1", protocol.SendJobRequest{})
	reply := dispatcher.Dispatch(context.Background(), "conn-1", env)

	assert.Contains(t, decodeError(t, reply), "job name is required")
	broker.AssertNotCalled(t, "Publish")
}

func TestSendJobPropagatesEngineFailure(t *testing.T) {
	broker := new(MockBroker)
	dispatcher, registry := newTestDispatcher(broker)
	connectSession(registry, "conn-1", "cust-1")

	broker.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("connection refused"))

	env := makeEnvelope(t, protocol.TypeSendJob, "req-1", protocol.SendJobRequest{Name: "report"})
	reply := dispatcher.Dispatch(context.Background(), "conn-1", env)

	assert.Contains(t, decodeError(t, reply), "connection refused")
}

func TestSendBatchReportsAllJobIDs(t *testing.T) {
	broker := new(MockBroker)
	dispatcher, registry := newTestDispatcher(broker)
	connectSession(registry, "conn-1", "cust-1")

	broker.On("Publish", mock.Anything, "cust-1/resize", mock.Anything, mock.Anything).
		Return("job-1", nil).Once()
	broker.On("Publish", mock.Anything, "cust-1/notify", mock.Anything, mock.Anything).
		Return("job-2", nil).Once()

	env := makeEnvelope(t, protocol.TypeSendBatch, "req-1", protocol.SendBatchRequest{
		Jobs: []protocol.BatchJob{
			{Name: "resize"},
			{Name: "notify"},
		},
	})
	reply := dispatcher.Dispatch(context.Background(), "conn-1", env)

	var ack protocol.SendBatchReply
	require.NoError(t, json.Unmarshal(reply.Data, &ack))
	assert.NotEmpty(t, ack.BatchID)
	assert.Equal(t, []string{"job-1", "job-2"}, ack.JobIDs)
	broker.AssertExpectations(t)
}

func TestSendBatchStopsAtFirstFailure(t *testing.T) {
	broker := new(MockBroker)
	dispatcher, registry := newTestDispatcher(broker)
	connectSession(registry, "conn-1", "cust-1")

	broker.On("Publish", mock.Anything, "cust-1/a", mock.Anything, mock.Anything).
		Return("job-1", nil).Once()
	broker.On("Publish", mock.Anything, "cust-1/b", mock.Anything, mock.Anything).
		Return("", errors.New("queue unavailable")).Once()

	env := makeEnvelope(t, protocol.TypeSendBatch, "req-1", protocol.SendBatchRequest{
		Jobs: []protocol.BatchJob{
			{Name: "a"},
			{Name: "b"},
			{Name: "c"},
		},
	})
	reply := dispatcher.Dispatch(context.Background(), "conn-1", env)

	assert.Contains(t, decodeError(t, reply), "queue unavailable")
	// The job after the failure is never attempted.
	broker.AssertNumberOfCalls(t, "Publish", 2)
}

func TestWaitForBatchAcknowledges(t *testing.T) {
	broker := new(MockBroker)
	dispatcher, registry := newTestDispatcher(broker)
	connectSession(registry, "conn-1", "cust-1")

	env := makeEnvelope(t, protocol.TypeWaitForBatch, "req-1", protocol.WaitForBatchRequest{BatchID: "batch-abc"})
	reply := dispatcher.Dispatch(context.Background(), "conn-1", env)

	var ack protocol.SuccessReply
	require.NoError(t, json.Unmarshal(reply.Data, &ack))
	assert.True(t, ack.Success)

	missing := makeEnvelope(t, protocol.TypeWaitForBatch, "req-2", protocol.WaitForBatchRequest{})
	reply = dispatcher.Dispatch(context.Background(), "conn-1", missing)
	assert.Contains(t, decodeError(t, reply), "batch id is required")
}

func TestSendBatchRejectsEmptyBatch(t *testing.T) {
	broker := new(MockBroker)
	dispatcher, registry := newTestDispatcher(broker)
	connectSession(registry, "conn-1", "cust-1")

	env := makeEnvelope(t, protocol.TypeSendBatch, "req-1", protocol.SendBatchRequest{})
	reply := dispatcher.Dispatch(context.Background(), "conn-1", env)

	assert.Contains(t, decodeError(t, reply), "batch is empty")
}

func TestRegisterWorkerForwardsJobs(t *testing.T) {
	broker := new(MockBroker)
	dispatcher, registry := newTestDispatcher(broker)
	sess := connectSession(registry, "conn-1", "cust-1")

	var handler engine.WorkHandler
	broker.On("Subscribe", mock.Anything, "cust-1/resize", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			handler = args.Get(3).(engine.WorkHandler)
		}).
		Return(engine.NewSubscription("sub-1", "cust-1/resize", func() {}), nil)

	env := makeEnvelope(t, protocol.TypeRegisterWorker, "req-1", protocol.RegisterWorkerRequest{JobName: "resize"})
	reply := dispatcher.Dispatch(context.Background(), "conn-1", env)

	var ack protocol.SuccessReply
	require.NoError(t, json.Unmarshal(reply.Data, &ack))
	assert.True(t, ack.Success)
	assert.Contains(t, sess.Workers(), "resize")
	require.NotNil(t, handler)

	err := handler(context.Background(), []*model.Job{{
		ID:      "job-9",
		Queue:   "cust-1/resize",
		Payload: json.RawMessage(`{"w":100}`),
	}})
	require.NoError(t, err)

	pushed := <-sess.Outbound
	assert.Equal(t, protocol.TypeWorkRequest, pushed.Type)

	var offer protocol.WorkRequest
	require.NoError(t, json.Unmarshal(pushed.Data, &offer))
	assert.Equal(t, "job-9", offer.ID)
	assert.Equal(t, "resize", offer.Name)
}

func TestRegisterWorkerMapsWorkOptions(t *testing.T) {
	broker := new(MockBroker)
	dispatcher, registry := newTestDispatcher(broker)
	connectSession(registry, "conn-1", "cust-1")

	broker.On("Subscribe", mock.Anything, "cust-1/resize",
		engine.WorkOptions{BatchSize: 5, Concurrency: 3}, mock.Anything).
		Return(engine.NewSubscription("sub-1", "cust-1/resize", func() {}), nil)

	env := makeEnvelope(t, protocol.TypeRegisterWorker, "req-1", protocol.RegisterWorkerRequest{
		JobName: "resize",
		Options: &protocol.WorkOptions{TeamSize: 5, TeamConcurrency: 3},
	})
	reply := dispatcher.Dispatch(context.Background(), "conn-1", env)

	var ack protocol.SuccessReply
	require.NoError(t, json.Unmarshal(reply.Data, &ack))
	assert.True(t, ack.Success)
	broker.AssertExpectations(t)
}

func TestRegisterWorkerFailsBatchWhenSessionGone(t *testing.T) {
	broker := new(MockBroker)
	dispatcher, registry := newTestDispatcher(broker)
	sess := connectSession(registry, "conn-1", "cust-1")

	var handler engine.WorkHandler
	broker.On("Subscribe", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			handler = args.Get(3).(engine.WorkHandler)
		}).
		Return(engine.NewSubscription("sub-1", "cust-1/resize", func() {}), nil)

	env := makeEnvelope(t, protocol.TypeRegisterWorker, "req-1", protocol.RegisterWorkerRequest{JobName: "resize"})
	dispatcher.Dispatch(context.Background(), "conn-1", env)
	require.NotNil(t, handler)

	sess.Close()

	err := handler(context.Background(), []*model.Job{{ID: "job-9"}})
	assert.Error(t, err)
}

func TestCancelJobBroadcastsCancellation(t *testing.T) {
	broker := new(MockBroker)
	dispatcher, registry := newTestDispatcher(broker)
	connectSession(registry, "conn-1", "cust-1")
	observer := connectSession(registry, "conn-2", "cust-2")

	broker.On("Cancel", mock.Anything, "cust-1/resize", "job-9").Return(nil)

	env := makeEnvelope(t, protocol.TypeCancelJob, "req-1", protocol.JobRequest{JobName: "resize", JobID: "job-9"})
	reply := dispatcher.Dispatch(context.Background(), "conn-1", env)

	var ack protocol.SuccessReply
	require.NoError(t, json.Unmarshal(reply.Data, &ack))
	assert.True(t, ack.Success)

	// Cancellation events reach every connected session.
	pushed := <-observer.Outbound
	assert.Equal(t, protocol.TypeJobCancelled, pushed.Type)
}

func TestCancelJobUnknownJob(t *testing.T) {
	broker := new(MockBroker)
	dispatcher, registry := newTestDispatcher(broker)
	connectSession(registry, "conn-1", "cust-1")

	broker.On("Cancel", mock.Anything, mock.Anything, mock.Anything).Return(engine.ErrJobNotFound)

	env := makeEnvelope(t, protocol.TypeCancelJob, "req-1", protocol.JobRequest{JobName: "resize", JobID: "nope"})
	reply := dispatcher.Dispatch(context.Background(), "conn-1", env)

	assert.Contains(t, decodeError(t, reply), "job not found")
}

func TestGetQueueSizePassesStateFilter(t *testing.T) {
	broker := new(MockBroker)
	dispatcher, registry := newTestDispatcher(broker)
	connectSession(registry, "conn-1", "cust-1")

	broker.On("QueueSize", mock.Anything, "cust-1/resize", []model.JobState{model.JobStateRetry}).
		Return(int64(7), nil)

	env := makeEnvelope(t, protocol.TypeGetQueueSize, "req-1", protocol.GetQueueSizeRequest{
		JobName: "resize",
		State:   "retry",
	})
	reply := dispatcher.Dispatch(context.Background(), "conn-1", env)

	var ack protocol.QueueSizeReply
	require.NoError(t, json.Unmarshal(reply.Data, &ack))
	assert.Equal(t, int64(7), ack.QueueSize)
	broker.AssertExpectations(t)
}

func TestGetJobReturnsNullForUnknownJob(t *testing.T) {
	broker := new(MockBroker)
	dispatcher, registry := newTestDispatcher(broker)
	connectSession(registry, "conn-1", "cust-1")

	broker.On("GetJob", mock.Anything, "cust-1/resize", "nope").Return(nil, engine.ErrJobNotFound)

	env := makeEnvelope(t, protocol.TypeGetJob, "req-1", protocol.JobRequest{JobName: "resize", JobID: "nope"})
	reply := dispatcher.Dispatch(context.Background(), "conn-1", env)

	require.Equal(t, protocol.TypeReply, reply.Type)
	var ack protocol.GetJobReply
	require.NoError(t, json.Unmarshal(reply.Data, &ack))
	assert.Nil(t, ack.Job)
}

func TestGetJobReturnsJobView(t *testing.T) {
	broker := new(MockBroker)
	dispatcher, registry := newTestDispatcher(broker)
	connectSession(registry, "conn-1", "cust-1")

	broker.On("GetJob", mock.Anything, "cust-1/resize", "job-9").Return(&model.Job{
		ID:         "job-9",
		Queue:      "cust-1/resize",
		State:      model.JobStateCompleted,
		RetryCount: 1,
		RetryLimit: 3,
	}, nil)

	env := makeEnvelope(t, protocol.TypeGetJob, "req-1", protocol.JobRequest{JobName: "resize", JobID: "job-9"})
	reply := dispatcher.Dispatch(context.Background(), "conn-1", env)

	var ack protocol.GetJobReply
	require.NoError(t, json.Unmarshal(reply.Data, &ack))
	require.NotNil(t, ack.Job)
	assert.Equal(t, "job-9", ack.Job.ID)
	assert.Equal(t, "resize", ack.Job.Name)
	assert.Equal(t, "completed", ack.Job.State)
	assert.Equal(t, 1, ack.Job.RetryCount)
}

func TestScheduleJob(t *testing.T) {
	broker := new(MockBroker)
	dispatcher, registry := newTestDispatcher(broker)
	connectSession(registry, "conn-1", "cust-1")

	broker.On("Schedule", mock.Anything, "cust-1/digest", "0 8 * * *", mock.Anything, mock.Anything).
		Return(nil)

	env := makeEnvelope(t, protocol.TypeScheduleJob, "req-1", protocol.ScheduleJobRequest{
		Name:        "digest",
		CronPattern: "0 8 * * *",
	})
	reply := dispatcher.Dispatch(context.Background(), "conn-1", env)

	var ack protocol.ScheduleJobReply
	require.NoError(t, json.Unmarshal(reply.Data, &ack))
	assert.Contains(t, ack.ScheduleID, "schedule-")
	broker.AssertExpectations(t)
}

func TestLifecycleReportFansOutToAllSessions(t *testing.T) {
	broker := new(MockBroker)
	dispatcher, registry := newTestDispatcher(broker)
	reporter := connectSession(registry, "conn-1", "cust-1")
	observer := connectSession(registry, "conn-2", "cust-2")

	env := makeEnvelope(t, protocol.TypeJobCompleted, "", protocol.LifecycleReport{
		JobName: "resize",
		JobID:   "job-9",
		Result:  json.RawMessage(`{"ok":true}`),
	})
	reply := dispatcher.Dispatch(context.Background(), "conn-1", env)

	// Lifecycle reports are fire-and-forget.
	assert.Nil(t, reply)

	for _, sess := range []*model.Session{reporter, observer} {
		pushed := <-sess.Outbound
		assert.Equal(t, protocol.TypeJobCompleted, pushed.Type)

		var event protocol.JobCompletedEvent
		require.NoError(t, json.Unmarshal(pushed.Data, &event))
		assert.Equal(t, "job-9", event.JobID)
		assert.False(t, event.CompletedAt.IsZero())
	}
}

func TestDispatchRejectsMalformedPayload(t *testing.T) {
	broker := new(MockBroker)
	dispatcher, registry := newTestDispatcher(broker)
	connectSession(registry, "conn-1", "cust-1")

	env := &protocol.Envelope{
		Type: protocol.TypeSendJob,
		ID:   "req-1",
		Data: json.RawMessage(`{"name":12}`),
	}
	reply := dispatcher.Dispatch(context.Background(), "conn-1", env)

	assert.Contains(t, decodeError(t, reply), "malformed request")
}
