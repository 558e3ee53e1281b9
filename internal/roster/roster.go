package roster

import (
	"fmt"
	"strings"
	"time"

	"classtrack/internal/face"
)

// Department is a closed enumeration. Raw request values are resolved once
// at the boundary via ParseDepartment, never re-derived per handler.
type Department string

const (
	DeptCSE   Department = "cse"
	DeptECE   Department = "ece"
	DeptEEE   Department = "eee"
	DeptMech  Department = "mech"
	DeptCivil Department = "civil"
	DeptIT    Department = "it"
)

var deptAliases = map[string]Department{
	"cse":                    DeptCSE,
	"computer science":       DeptCSE,
	"computer-science":       DeptCSE,
	"ece":                    DeptECE,
	"electronics":            DeptECE,
	"eee":                    DeptEEE,
	"electrical":             DeptEEE,
	"mech":                   DeptMech,
	"mechanical":             DeptMech,
	"civil":                  DeptCivil,
	"it":                     DeptIT,
	"information technology": DeptIT,
}

// ParseDepartment resolves a raw department code or alias.
func ParseDepartment(raw string) (Department, error) {
	if d, ok := deptAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return d, nil
	}
	return "", fmt.Errorf("unknown department %q", raw)
}

// ClassRef identifies a class: the unit every session and attendance row
// hangs off.
type ClassRef struct {
	TeacherID  string     `json:"teacher_id"`
	Department Department `json:"department"`
	ClassID    string     `json:"class_id"`
}

func (c ClassRef) String() string {
	return fmt.Sprintf("%s/%s/%s", c.TeacherID, c.Department, c.ClassID)
}

// MetaPath addresses the class metadata document.
func (c ClassRef) MetaPath() string {
	return fmt.Sprintf("roster/%s/meta", c)
}

// StudentPath addresses one enrollment record.
func (c ClassRef) StudentPath(studentID string) string {
	return fmt.Sprintf("roster/%s/students/%s", c, studentID)
}

// StudentsPrefix addresses all enrollment records of the class.
func (c ClassRef) StudentsPrefix() string {
	return fmt.Sprintf("roster/%s/students/", c)
}

// Class is the roster metadata document.
type Class struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Student is one enrollment record.
type Student struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Number     string           `json:"number"`
	Descriptor *face.Descriptor `json:"face_descriptor,omitempty"`
	EnrolledAt time.Time        `json:"enrolled_at"`
}
