package roster

import (
	"context"
	"errors"
	"time"

	"classtrack/internal/face"
	"classtrack/internal/store"
)

// ErrClassExists is returned when creating a class that already has a roster.
var ErrClassExists = errors.New("class already exists")

// Repo persists rosters in the document store.
type Repo struct {
	st store.Store
}

// NewRepo creates a repo.
func NewRepo(st store.Store) *Repo {
	return &Repo{st: st}
}

// CreateClass registers a new class roster.
func (r *Repo) CreateClass(ctx context.Context, class ClassRef, name string, now time.Time) error {
	written, err := r.st.WriteIfAbsent(ctx, class.MetaPath(), Class{Name: name, CreatedAt: now})
	if err != nil {
		return err
	}
	if !written {
		return ErrClassExists
	}
	return nil
}

// GetClass reads the class metadata, nil when the class does not exist.
func (r *Repo) GetClass(ctx context.Context, class ClassRef) (*Class, error) {
	var c Class
	found, err := r.st.ReadAt(ctx, class.MetaPath(), &c)
	if err != nil || !found {
		return nil, err
	}
	return &c, nil
}

// Enroll upserts a student's enrollment record.
func (r *Repo) Enroll(ctx context.Context, class ClassRef, s Student) error {
	if s.ID == "" {
		return errors.New("student id required")
	}
	return r.st.Write(ctx, class.StudentPath(s.ID), s)
}

// Remove drops a student from the roster.
func (r *Repo) Remove(ctx context.Context, class ClassRef, studentID string) error {
	return r.st.Delete(ctx, class.StudentPath(studentID))
}

// Get reads a single enrollment record, nil when the student is not
// enrolled.
func (r *Repo) Get(ctx context.Context, class ClassRef, studentID string) (*Student, error) {
	var s Student
	found, err := r.st.ReadAt(ctx, class.StudentPath(studentID), &s)
	if err != nil || !found {
		return nil, err
	}
	return &s, nil
}

// List returns every enrolled student.
func (r *Repo) List(ctx context.Context, class ClassRef) ([]Student, error) {
	paths, err := r.st.List(ctx, class.StudentsPrefix())
	if err != nil {
		return nil, err
	}
	students := make([]Student, 0, len(paths))
	for _, p := range paths {
		var s Student
		found, err := r.st.ReadAt(ctx, p, &s)
		if err != nil {
			return nil, err
		}
		if found {
			students = append(students, s)
		}
	}
	return students, nil
}

// Descriptors returns the stored face descriptor of every enrolled student
// that has one, keyed by student id. This is the candidate gallery for the
// biometric matcher.
func (r *Repo) Descriptors(ctx context.Context, class ClassRef) (map[string]face.Descriptor, error) {
	students, err := r.List(ctx, class)
	if err != nil {
		return nil, err
	}
	out := make(map[string]face.Descriptor)
	for _, s := range students {
		if s.Descriptor != nil {
			out[s.ID] = *s.Descriptor
		}
	}
	return out, nil
}

// SetDescriptor stores a student's reference descriptor.
func (r *Repo) SetDescriptor(ctx context.Context, class ClassRef, studentID string, d face.Descriptor) error {
	s, err := r.Get(ctx, class, studentID)
	if err != nil {
		return err
	}
	if s == nil {
		return errors.New("student not enrolled")
	}
	s.Descriptor = &d
	return r.st.Write(ctx, class.StudentPath(s.ID), s)
}
