package topchef

import (
	"encoding/json"

	"github.com/seantiz/topchef/internal/model"
)

// jobBody is the job document sent on PUT /jobs/{id}.
type jobBody struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Parameters json.RawMessage `json:"parameters"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *model.JobError `json:"error,omitempty"`
}

func (c *Client) wireJob(job *model.Job) jobBody {
	status := string(job.Status)
	if c.legacy {
		switch job.Status {
		case model.StatusPending:
			status = "REGISTERED"
		case model.StatusComplete:
			status = "COMPLETED"
		}
	}
	return jobBody{
		ID:         job.ID,
		Status:     status,
		Parameters: job.Parameters,
		Result:     job.Result,
		Error:      job.Error,
	}
}
