package queue

import (
	"encoding/json"

	"classtrack/internal/roster"
)

// TypeFinalize marks a finalization retry job.
const TypeFinalize = "finalize"

// FinalizeJob asks the worker to re-run the idempotent sweeper for a
// session whose synchronous finalization failed partway.
type FinalizeJob struct {
	TeacherID  string `json:"teacher_id"`
	Department string `json:"department"`
	ClassID    string `json:"class_id"`
	SessionID  string `json:"session_id"`
}

// NewFinalizeMessage encodes a finalize job.
func NewFinalizeMessage(class roster.ClassRef, sessionID string) (Message, error) {
	body, err := json.Marshal(FinalizeJob{
		TeacherID:  class.TeacherID,
		Department: string(class.Department),
		ClassID:    class.ClassID,
		SessionID:  sessionID,
	})
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeFinalize, Body: body}, nil
}

// ParseFinalizeJob decodes a finalize job body.
func ParseFinalizeJob(body []byte) (FinalizeJob, error) {
	var job FinalizeJob
	err := json.Unmarshal(body, &job)
	return job, err
}

// Class rebuilds the class reference.
func (j FinalizeJob) Class() roster.ClassRef {
	return roster.ClassRef{
		TeacherID:  j.TeacherID,
		Department: roster.Department(j.Department),
		ClassID:    j.ClassID,
	}
}
