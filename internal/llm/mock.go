package llm

import (
	"context"
	"fmt"
)

// MockProvider is a test double for the Provider interface.
type MockProvider struct {
	Response *CompletionResponse
	Err      error
	Calls    []CompletionRequest // records requests sent
}

func (m *MockProvider) Name() string { return "mock" }

// Complete records the call and returns the mock response.
func (m *MockProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.Calls = append(m.Calls, req)
	return m.Response, m.Err
}

// MockBatchClient is a test double for the BatchClient interface. Each
// Submit returns a fresh job ID; Poll serves the scripted status and
// results, or the scripted error.
type MockBatchClient struct {
	Submitted [][]BatchRequest
	SubmitErr error

	Status  BatchStatus
	Results []BatchResult
	PollErr error

	SubmitCalls int
	PollCalls   int

	jobCount int
}

func (m *MockBatchClient) Submit(ctx context.Context, reqs []BatchRequest) (string, error) {
	m.SubmitCalls++
	if m.SubmitErr != nil {
		return "", m.SubmitErr
	}
	m.Submitted = append(m.Submitted, reqs)
	m.jobCount++
	return fmt.Sprintf("mock-job-%d", m.jobCount), nil
}

func (m *MockBatchClient) Poll(ctx context.Context, jobID string) (BatchStatus, []BatchResult, error) {
	m.PollCalls++
	if m.PollErr != nil {
		return "", nil, m.PollErr
	}
	if m.Status == "" {
		return BatchInProgress, nil, nil
	}
	return m.Status, m.Results, nil
}

// MockJudge is a test double for the Judge interface.
type MockJudge struct {
	Verdict    *ConsolidationVerdict
	ProposeErr error
	Approved   bool
	ApproveErr error

	ProposeCalls int
	ApproveCalls int
}

func (m *MockJudge) Propose(ctx context.Context, texts []string) (*ConsolidationVerdict, error) {
	m.ProposeCalls++
	return m.Verdict, m.ProposeErr
}

func (m *MockJudge) Approve(ctx context.Context, verdict *ConsolidationVerdict, texts []string) (bool, error) {
	m.ApproveCalls++
	return m.Approved, m.ApproveErr
}

// MockRefiner is a test double for the Refiner interface.
type MockRefiner struct {
	Verdict *RefinementVerdict
	Err     error
	Calls   int
}

func (m *MockRefiner) Decide(ctx context.Context, content string) (*RefinementVerdict, error) {
	m.Calls++
	return m.Verdict, m.Err
}

// MockEntityExtractor is a test double for the EntityExtractor interface.
type MockEntityExtractor struct {
	Entities []ExtractedEntity
	Err      error
}

func (m *MockEntityExtractor) ExtractEntities(ctx context.Context, text string) ([]ExtractedEntity, error) {
	return m.Entities, m.Err
}
