package scheduler

import (
	"encoding/json"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/toolchainlabs/remexec/pkg/digest"
	"github.com/toolchainlabs/remexec/pkg/util"

	remoteworkers "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
)

// The state store holds the scheduler's state as a snapshot of all
// operations and bot sessions, plus a journal with one record per
// committed transition. Digests and platforms are stored in a plain
// JSON form; protobuf payloads (the ExecuteResponse of a completed
// operation) are embedded as protojson.

type walDigest struct {
	Hash      string `json:"hash"`
	SizeBytes int64  `json:"sizeBytes"`
}

type walPlatformProperty struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type walOperation struct {
	Name               string                `json:"name"`
	Tenant             string                `json:"tenant"`
	InstanceName       string                `json:"instanceName"`
	DigestFunction     string                `json:"digestFunction"`
	ActionDigest       walDigest             `json:"actionDigest"`
	Platform           []walPlatformProperty `json:"platform,omitempty"`
	Priority           int32                 `json:"priority,omitempty"`
	DoNotCache         bool                  `json:"doNotCache,omitempty"`
	WriteToActionCache bool                  `json:"writeToActionCache"`
	Deduplicate        bool                  `json:"deduplicate"`
	EnqueuedAt         time.Time             `json:"enqueuedAt"`
	AttemptCount       int                   `json:"attemptCount"`
	Stage              string                `json:"stage"`
	WorkerID           string                `json:"workerId,omitempty"`
	LeaseID            string                `json:"leaseId,omitempty"`
	SessionName        string                `json:"sessionName,omitempty"`
	LeaseDeadline      *time.Time            `json:"leaseDeadline,omitempty"`
	ExecuteResponse    json.RawMessage       `json:"executeResponse,omitempty"`
	CompletedAt        *time.Time            `json:"completedAt,omitempty"`
}

type walBotSession struct {
	Name       string                `json:"name"`
	Tenant     string                `json:"tenant"`
	BotID      string                `json:"botId"`
	Properties []walPlatformProperty `json:"properties,omitempty"`
	ExpireAt   time.Time             `json:"expireAt"`
}

type walLeaseIssued struct {
	Name        string    `json:"name"`
	WorkerID    string    `json:"workerId"`
	LeaseID     string    `json:"leaseId"`
	SessionName string    `json:"sessionName"`
	Deadline    time.Time `json:"deadline"`
}

type walOperationRequeued struct {
	Name         string `json:"name"`
	AttemptCount int    `json:"attemptCount"`
}

type walOperationCompleted struct {
	Name            string          `json:"name"`
	ExecuteResponse json.RawMessage `json:"executeResponse"`
	CompletedAt     time.Time       `json:"completedAt"`
}

type walBotSessionRemoved struct {
	Name string `json:"name"`
}

// walRecord is a single journal entry. Exactly one field is set.
type walRecord struct {
	OperationEnqueued  *walOperation          `json:"operationEnqueued,omitempty"`
	LeaseIssued        *walLeaseIssued        `json:"leaseIssued,omitempty"`
	OperationRequeued  *walOperationRequeued  `json:"operationRequeued,omitempty"`
	OperationCompleted *walOperationCompleted `json:"operationCompleted,omitempty"`
	BotSessionCreated  *walBotSession         `json:"botSessionCreated,omitempty"`
	BotSessionRemoved  *walBotSessionRemoved  `json:"botSessionRemoved,omitempty"`
}

type walSnapshot struct {
	Operations  []*walOperation  `json:"operations"`
	BotSessions []*walBotSession `json:"botSessions"`
}

func marshalExecuteResponse(response *remoteexecution.ExecuteResponse) (json.RawMessage, error) {
	data, err := protojson.Marshal(response)
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to marshal execute response")
	}
	return json.RawMessage(data), nil
}

func unmarshalExecuteResponse(data json.RawMessage) (*remoteexecution.ExecuteResponse, error) {
	response := &remoteexecution.ExecuteResponse{}
	if err := protojson.Unmarshal(data, response); err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to unmarshal execute response")
	}
	return response, nil
}

func operationToWAL(o *operation) (*walOperation, error) {
	w := &walOperation{
		Name:           o.name,
		Tenant:         o.tenant,
		InstanceName:   o.instanceName.String(),
		DigestFunction: o.digestFunction.GetEnumValue().String(),
		ActionDigest: walDigest{
			Hash:      o.actionDigest.GetHashString(),
			SizeBytes: o.actionDigest.GetSizeBytes(),
		},
		Priority:           o.priority,
		DoNotCache:         o.doNotCache,
		WriteToActionCache: o.writeToActionCache,
		Deduplicate:        o.deduplicationKey != "",
		EnqueuedAt:         o.enqueuedAt,
		AttemptCount:       o.attemptCount,
		Stage:              o.stage.String(),
		WorkerID:           o.workerID,
	}
	for _, property := range o.platform.GetProperties() {
		w.Platform = append(w.Platform, walPlatformProperty{
			Name:  property.Name,
			Value: property.Value,
		})
	}
	if o.lease != nil {
		w.LeaseID = o.lease.id
		w.SessionName = o.lease.sessionName
		deadline := o.lease.deadline
		w.LeaseDeadline = &deadline
	}
	if o.executeResponse != nil {
		data, err := marshalExecuteResponse(o.executeResponse)
		if err != nil {
			return nil, err
		}
		w.ExecuteResponse = data
		completedAt := o.completedAt
		w.CompletedAt = &completedAt
	}
	return w, nil
}

func operationFromWAL(w *walOperation) (*operation, error) {
	instanceName, err := digest.NewInstanceName(w.InstanceName)
	if err != nil {
		return nil, err
	}
	digestFunctionValue, ok := remoteexecution.DigestFunction_Value_value[w.DigestFunction]
	if !ok {
		return nil, status.Errorf(codes.Internal, "Unknown digest function %#v", w.DigestFunction)
	}
	digestFunction, err := instanceName.GetDigestFunction(remoteexecution.DigestFunction_Value(digestFunctionValue), 0)
	if err != nil {
		return nil, err
	}
	actionDigest, err := digestFunction.NewDigest(w.ActionDigest.Hash, w.ActionDigest.SizeBytes)
	if err != nil {
		return nil, util.StatusWrap(err, "Invalid action digest")
	}
	stageValue, ok := remoteexecution.ExecutionStage_Value_value[w.Stage]
	if !ok {
		return nil, status.Errorf(codes.Internal, "Unknown execution stage %#v", w.Stage)
	}
	o := &operation{
		name:               w.Name,
		tenant:             w.Tenant,
		instanceName:       instanceName,
		digestFunction:     digestFunction,
		actionDigest:       actionDigest,
		priority:           w.Priority,
		doNotCache:         w.DoNotCache,
		writeToActionCache: w.WriteToActionCache,
		enqueuedAt:         w.EnqueuedAt,
		attemptCount:       w.AttemptCount,
		stage:              remoteexecution.ExecutionStage_Value(stageValue),
		workerID:           w.WorkerID,
	}
	if len(w.Platform) > 0 {
		platform := &remoteexecution.Platform{}
		for _, property := range w.Platform {
			platform.Properties = append(platform.Properties, &remoteexecution.Platform_Property{
				Name:  property.Name,
				Value: property.Value,
			})
		}
		o.platform = platform
	}
	if w.Deduplicate {
		o.deduplicationKey = deduplicationKey(w.Tenant, actionDigest)
	}
	if w.LeaseID != "" {
		o.lease = &lease{
			id:          w.LeaseID,
			sessionName: w.SessionName,
			state:       remoteworkers.LeaseState_PENDING,
		}
		if w.LeaseDeadline != nil {
			o.lease.deadline = *w.LeaseDeadline
		}
	}
	if w.ExecuteResponse != nil {
		response, err := unmarshalExecuteResponse(w.ExecuteResponse)
		if err != nil {
			return nil, err
		}
		o.executeResponse = response
		o.deduplicationKey = ""
		if w.CompletedAt != nil {
			o.completedAt = *w.CompletedAt
		}
	}
	return o, nil
}

func botSessionToWAL(s *botSession) *walBotSession {
	w := &walBotSession{
		Name:     s.name,
		Tenant:   s.tenant,
		BotID:    s.botID,
		ExpireAt: s.expireAt,
	}
	for _, property := range s.worker.GetProperties() {
		w.Properties = append(w.Properties, walPlatformProperty{
			Name:  property.Key,
			Value: property.Value,
		})
	}
	return w
}

func botSessionFromWAL(w *walBotSession) *botSession {
	worker := &remoteworkers.Worker{}
	for _, property := range w.Properties {
		worker.Properties = append(worker.Properties, &remoteworkers.Worker_Property{
			Key:   property.Name,
			Value: property.Value,
		})
	}
	return &botSession{
		name:       w.Name,
		tenant:     w.Tenant,
		botID:      w.BotID,
		worker:     worker,
		properties: workerProperties(worker),
		expireAt:   w.ExpireAt,
		operations: map[string]*operation{},
	}
}
