package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alovak/cardflow-terminal/terminal/models"
)

// API is the HTTP surface of the terminal: journal and reversal queue
// inspection, live status and a development endpoint that runs a full
// simulated transaction.
type API struct {
	orchestrator *Orchestrator
	recovery     *RecoveryManager
	repo         *Repository
	kernel       *SimKernel
	currency     string
	timeout      time.Duration
}

func NewAPI(orchestrator *Orchestrator, recovery *RecoveryManager, repo *Repository, kernel *SimKernel, currency string, timeout time.Duration) *API {
	return &API{
		orchestrator: orchestrator,
		recovery:     recovery,
		repo:         repo,
		kernel:       kernel,
		currency:     currency,
		timeout:      timeout,
	}
}

func (a *API) AppendRoutes(r chi.Router) {
	r.Get("/status", a.getStatus)
	r.Route("/journal", func(r chi.Router) {
		r.Get("/", a.listJournal)
		r.Get("/{stan}", a.getJournalEntry)
	})
	r.Get("/reversals", a.listReversals)
	r.Post("/dev/transactions", a.runTransaction)
	r.Post("/dev/reversals/sweep", a.sweepReversals)
}

func (a *API) sweepReversals(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	n, err := a.recovery.SweepReversals(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, "{\"reversed\":%d}", n)
}

func (a *API) getStatus(w http.ResponseWriter, r *http.Request) {
	state, code := a.orchestrator.Status()
	rotating, message := a.recovery.Status()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		State        string `json:"state"`
		LastCode     string `json:"last_response_code,omitempty"`
		KeyRotating  bool   `json:"key_rotation_in_progress"`
		StatusDetail string `json:"status_detail,omitempty"`
	}{string(state), code, rotating, message})
}

func (a *API) listJournal(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := a.repo.ListJournal(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

func (a *API) getJournalEntry(w http.ResponseWriter, r *http.Request) {
	stan, err := strconv.Atoi(chi.URLParam(r, "stan"))
	if err != nil {
		http.Error(w, "stan must be numeric", http.StatusBadRequest)
		return
	}

	entry, err := a.repo.FindJournalBySTAN(r.Context(), stan)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}

func (a *API) listReversals(w http.ResponseWriter, r *http.Request) {
	entries, err := a.repo.ListReversals(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// runTransaction presents a simulated card and waits for the outcome. Amount
// is in minor units; the card profile defaults to an online-PIN contact chip
// and can be overridden per field.
func (a *API) runTransaction(w http.ResponseWriter, r *http.Request) {
	if a.kernel == nil {
		http.Error(w, "simulated kernel is not enabled", http.StatusNotImplemented)
		return
	}

	var body struct {
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
		EntryMode string `json:"entry_mode"`
		PAN       string `json:"pan"`
		CVMCode   string `json:"cvm_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Amount <= 0 {
		http.Error(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	card := DefaultCardProfile()
	if body.PAN != "" {
		card.PAN = body.PAN
	}
	if body.CVMCode != "" {
		card.CVMCode = body.CVMCode
	}
	currency := a.currency
	if body.Currency != "" {
		currency = body.Currency
	}
	mode := models.EntryContact
	if body.EntryMode == string(models.EntryContactless) {
		mode = models.EntryContactless
	}

	done, err := a.kernel.Present(card, body.Amount, currency, mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	select {
	case result := <-done:
		state, code := a.orchestrator.Status()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Approved     bool   `json:"approved"`
			Aborted      bool   `json:"aborted,omitempty"`
			Reason       string `json:"reason,omitempty"`
			State        string `json:"state"`
			ResponseCode string `json:"response_code,omitempty"`
		}{result.Approved, result.Aborted, result.Reason, string(state), code})
	case <-time.After(a.timeout + 5*time.Second):
		http.Error(w, "transaction did not complete", http.StatusGatewayTimeout)
	}
}
