package http

import (
	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/mindengage-grader/internal/exam"
)

// Mount registers the store API under /api.
func Mount(r chi.Router, store exam.Store) {
	r.Route("/api", func(ar chi.Router) {
		ar.Post("/exams", PutExamHandler(store))
		ar.Get("/exams/{examID}", GetExamHandler(store))
		ar.Post("/students", PutStudentHandler(store))
		ar.Get("/exam-students", ListExamStudentsHandler(store))

		ar.Get("/student-exams", ListAnswersHandler(store))
		ar.Post("/student-exams", PutAnswerHandler(store))
		ar.Patch("/student-exams/bulk_update", BulkUpdateHandler(store))
		ar.Patch("/student-exams/{id}", PatchAnswerHandler(store))

		ar.Get("/examresult", ExamResultHandler(store))
		ar.Post("/exam-adjust-update", AdjustUpdateHandler(store))
	})
}
