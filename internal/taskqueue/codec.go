package taskqueue

import (
	"github.com/hannabros/researchflow/internal/xjson"
)

// EncodeTask serializes a Task for the persistent backends.
func EncodeTask(t Task) ([]byte, error) {
	return xjson.Marshal(t)
}

// DecodeTask is the inverse of EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := xjson.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
