package persistence

import (
	"time"

	"github.com/hannabros/researchflow/internal/xjson"
	"github.com/hannabros/researchflow/pkg/api"
)

// instanceRecord is the serialized form of an instance projection used by
// the key-value backends.
type instanceRecord struct {
	ID        string           `json:"id"`
	Workflow  string           `json:"workflow"`
	Status    string           `json:"status"`
	Stage     string           `json:"stage,omitempty"`
	Progress  api.Progress     `json:"progress"`
	WaitingOn string           `json:"waiting_on,omitempty"`
	ParentID  string           `json:"parent_id,omitempty"`
	ParentSeq int64            `json:"parent_seq,omitempty"`
	Input     xjson.RawMessage `json:"input,omitempty"`
	Result    xjson.RawMessage `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	LastSeq   int64            `json:"last_seq"`
	CreatedAt int64            `json:"created_at"`
	UpdatedAt int64            `json:"updated_at"`
}

func encodeInstance(inst *api.Instance) ([]byte, error) {
	return xjson.Marshal(instanceRecord{
		ID:        inst.ID,
		Workflow:  inst.Workflow,
		Status:    string(inst.Status),
		Stage:     inst.Stage,
		Progress:  inst.Progress,
		WaitingOn: inst.WaitingOn,
		ParentID:  inst.ParentID,
		ParentSeq: inst.ParentSeq,
		Input:     inst.Input,
		Result:    inst.Result,
		Error:     inst.Error,
		LastSeq:   inst.LastSeq,
		CreatedAt: inst.CreatedAt.UnixNano(),
		UpdatedAt: inst.UpdatedAt.UnixNano(),
	})
}

func decodeInstance(data []byte) (*api.Instance, error) {
	var rec instanceRecord
	if err := xjson.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &api.Instance{
		ID:        rec.ID,
		Workflow:  rec.Workflow,
		Status:    api.Status(rec.Status),
		Stage:     rec.Stage,
		Progress:  rec.Progress,
		WaitingOn: rec.WaitingOn,
		ParentID:  rec.ParentID,
		ParentSeq: rec.ParentSeq,
		Input:     rec.Input,
		Result:    rec.Result,
		Error:     rec.Error,
		LastSeq:   rec.LastSeq,
		CreatedAt: time.Unix(0, rec.CreatedAt),
		UpdatedAt: time.Unix(0, rec.UpdatedAt),
	}, nil
}

func encodeEvent(ev api.HistoryEvent) ([]byte, error) {
	return xjson.Marshal(ev)
}

func decodeEvent(data []byte) (api.HistoryEvent, error) {
	var ev api.HistoryEvent
	err := xjson.Unmarshal(data, &ev)
	return ev, err
}

// stamp assigns sequence numbers after lastSeq and fills in instance IDs and
// missing timestamps.
func stamp(instanceID string, lastSeq int64, events []api.HistoryEvent) []api.HistoryEvent {
	now := time.Now()
	out := make([]api.HistoryEvent, len(events))
	for i, ev := range events {
		ev.InstanceID = instanceID
		ev.Seq = lastSeq + int64(i) + 1
		if ev.At.IsZero() {
			ev.At = now
		}
		out[i] = ev
	}
	return out
}

func cloneInstance(inst *api.Instance) *api.Instance {
	cp := *inst
	return &cp
}
