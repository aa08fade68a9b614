// Package protocol defines the wire shapes exchanged over the long-poll
// session: the envelope Message, the fully resolved JobRequest, and the
// polymorphic "template token" mapping form the orchestrator uses for
// environments and inputs. Field naming follows spec §3's data model; the
// JSON struct tags mirror the wire's camelCase/PascalCase mix exactly rather
// than normalizing it, matching the teacher's proto-derived wire structs in
// shared/proto.
package protocol

import "encoding/json"

// MessageType tags the body of a Message (spec §3, the Message table).
type MessageType string

const (
	TypeJobRequest           MessageType = "JobRequest"
	TypeRunnerJobRequest     MessageType = "RunnerJobRequest"
	TypeJobCancel            MessageType = "JobCancel"
	TypeAgentRefresh         MessageType = "AgentRefresh"
	TypeRunnerRefresh        MessageType = "RunnerRefresh"
	TypeRunnerRefreshConfig  MessageType = "RunnerRefreshConfig"
	TypeForceTokenRefresh    MessageType = "ForceTokenRefresh"
	TypeHostedRunnerShutdown MessageType = "HostedRunnerShutdown"
	TypeJobMetadata          MessageType = "JobMetadata"
)

// Message is the long-poll envelope: an opaque JSON body tagged with a type
// and a monotonic id. lastMessageId must only advance once the caller has
// either handed the body off or classified it as ignore-and-delete (spec §3
// invariant, §5 ordering guarantees).
type Message struct {
	MessageId   uint64          `json:"messageId"`
	MessageType MessageType     `json:"messageType"`
	Body        json.RawMessage `json:"body"`
}

// RunnerJobRequest is the v2 broker reference body: it names a job rather
// than carrying it, requiring an acknowledge-then-acquire round trip (spec
// §4.2 "Special v2 flow") before a full JobRequest is available.
type RunnerJobRequest struct {
	RunnerRequestId   string `json:"runner_request_id"`
	RunServiceURL     string `json:"run_service_url"`
	BillingOwnerId    string `json:"billing_owner_id,omitempty"`
	ShouldAcknowledge bool   `json:"should_acknowledge"`
}

// AcquireJobRequest is the body POSTed to run_service_url + "/acquirejob".
type AcquireJobRequest struct {
	JobMessageId   string `json:"jobMessageId"`
	RunnerOS       string `json:"runnerOS"`
	BillingOwnerId string `json:"billingOwnerId,omitempty"`
}

// Variable is one entry of a JobRequest's variables map.
type Variable struct {
	Value      string `json:"value"`
	IsSecret   bool   `json:"isSecret"`
	IsReadOnly bool   `json:"isReadOnly"`
}

// Endpoint is one entry of resources.endpoints. The endpoint named
// "SystemVssConnection" always carries the orchestrator base URL and access
// token (spec §3 JobRequest, §4.7 results client).
type Endpoint struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Authorization struct {
		Scheme     string            `json:"scheme"`
		Parameters map[string]string `json:"parameters"`
	} `json:"authorization"`
	Data map[string]string `json:"data"`
}

// StepKind distinguishes an inline script step from an action reference
// (spec §3 JobRequest: "each step is one of: inline script ... or action
// reference").
type StepKind string

const (
	StepScript StepKind = "script"
	StepAction StepKind = "action"
)

// StepSpec is one entry of a JobRequest's steps array.
type StepSpec struct {
	Id               string            `json:"id"`
	DisplayName      string            `json:"displayName"`
	Condition        string            `json:"condition"`
	TimeoutMinutes   int               `json:"timeoutMinutes"`
	ContinueOnError  bool              `json:"continueOnError"`
	Type             StepKind          `json:"type"`

	// Script fields, present when Type == StepScript.
	Shell            string            `json:"shell,omitempty"`
	Script           string            `json:"script,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
	Env              map[string]string `json:"env,omitempty"`

	// Action fields, present when Type == StepAction.
	Uses   string            `json:"uses,omitempty"`
	With   map[string]string `json:"with,omitempty"`
}

// Workspace describes the job's working directories.
type Workspace struct {
	Path    string `json:"path"`
	TempDir string `json:"tempDirectory"`
}

// JobRequest is the fully resolved execution plan (spec §3).
type JobRequest struct {
	JobId       string              `json:"jobId"`
	RequestId   string              `json:"requestId"`
	DisplayName string              `json:"displayName"`
	PlanId      string              `json:"planId"`
	TimelineId  string              `json:"timelineId"`
	Steps       []StepSpec          `json:"steps"`
	Variables   map[string]Variable `json:"variables"`
	Resources   struct {
		Endpoints []Endpoint `json:"endpoints"`
	} `json:"resources"`
	Workspace Workspace         `json:"workspace"`
	Context   map[string]json.RawMessage `json:"contextData,omitempty"`
}

// SystemVssConnection returns the job's orchestrator endpoint, or ok=false
// if it is missing — every JobRequest is expected to carry one (spec §3).
func (j *JobRequest) SystemVssConnection() (Endpoint, bool) {
	for _, e := range j.Resources.Endpoints {
		if e.Name == "SystemVssConnection" {
			return e, true
		}
	}
	return Endpoint{}, false
}
