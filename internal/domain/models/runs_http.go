package models

// Requests for the run HTTP endpoints. Defined in domain so the queue jobs and the CLI reuse them.

type StartRunRequest struct {
	RunID      string             `json:"run_id" validate:"omitempty,max=128"`
	Message    string             `json:"message" validate:"required,min=1,max=4000"`
	Ticker     string             `json:"ticker" validate:"omitempty,max=32"`
	StartDate  string             `json:"start_date" validate:"omitempty,len=8|len=10"`
	EndDate    string             `json:"end_date" validate:"omitempty,len=8|len=10"`
	Strategy   string             `json:"strategy" validate:"omitempty,oneof=ma_cross momentum mean_reversion value"`
	Params     map[string]float64 `json:"params"`
	MaxRetries int                `json:"max_retries" default:"3" validate:"gte=1,lte=10"`
	InitCash   float64            `json:"init_cash" validate:"omitempty,gt=0"`
	Fees       float64            `json:"fees" validate:"gte=0,lt=1"`
	Slippage   float64            `json:"slippage" validate:"gte=0,lt=1"`
	Async      bool               `json:"async"`
}

type ResumeRunRequest struct {
	Answer string `json:"answer" validate:"required,min=1,max=4000"`
	Async  bool   `json:"async"`
}

type SnapshotRequest struct {
	Collection string `query:"collection" validate:"omitempty,oneof=price_volume indicators signal backtest_results"`
	Field      string `query:"field"`
}

// RunResponse is the public view of a run.
type RunResponse struct {
	RunID           string          `json:"run_id"`
	Status          RunStatus       `json:"status"`
	PendingQuestion string          `json:"pending_question,omitempty"`
	Queued          bool            `json:"queued,omitempty"`
	State           *ExecutionState `json:"state,omitempty"`
}
