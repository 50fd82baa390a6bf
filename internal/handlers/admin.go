package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"zappipe/internal/queue"
	"zappipe/internal/services"
	"zappipe/internal/store"
)

var (
	errInternal     = errors.New("internal error")
	errUnauthorized = errors.New("unauthorized")
)

// QueueStatus reports job counts per queue and status.
func (s *server) QueueStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"queues":  s.Tracker.Counts(),
			"buffers": s.Concatenator.BufferCount(),
		})
	}
}

// JobStatus returns the retained record of one job.
func (s *server) JobStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		rec, ok := s.Tracker.Get(id)
		if !ok {
			s.Respond(w, r, http.StatusNotFound, errors.New("job not found or expired"))
			return
		}
		s.Respond(w, r, http.StatusOK, rec)
	}
}

// JobList returns retained jobs, filtered by ?queue= and ?status=.
func (s *server) JobList() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		jobs := s.Tracker.List(q.Get("queue"), queue.JobStatus(q.Get("status")), queryLimit(r, 50))
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"count": len(jobs),
			"jobs":  jobs,
		})
	}
}

// DeadLetterList returns the newest dead letters.
func (s *server) DeadLetterList() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dls, err := s.DeadLetters.List(r.Context(), queryLimit(r, 50))
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to list dead letters")
			s.Respond(w, r, http.StatusInternalServerError, errInternal)
			return
		}
		s.Respond(w, r, http.StatusOK, dls)
	}
}

// RetryDeadLetter re-enqueues a dead letter with a fresh retry budget.
func (s *server) RetryDeadLetter() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		job, err := s.DeadLetters.Retry(r.Context(), id)
		var already *services.AlreadyReprocessedError
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.Respond(w, r, http.StatusNotFound, errors.New("dead letter not found"))
			return
		case errors.As(err, &already):
			s.Respond(w, r, http.StatusConflict, err)
			return
		case err != nil:
			s.log.Error().Err(err).Str("deadLetterID", id).Msg("Dead letter retry failed")
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.log.Info().Str("deadLetterID", id).Str("jobID", job.ID).Msg("Manual retry triggered for dead letter")
		s.Respond(w, r, http.StatusAccepted, map[string]string{"job_id": job.ID})
	}
}
