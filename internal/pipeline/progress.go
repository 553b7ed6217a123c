package pipeline

import (
	"context"

	"github.com/MrWong99/cantara/internal/session"
)

// Step is one named progress marker with its fixed percentage and the French
// detail line shown in the client.
type Step struct {
	Name    string
	Percent int
	Detail  string
}

// The analysis progress ladder. Percentages are part of the client contract;
// the frontend animates between them.
var (
	StepLoadingModel = Step{"loading_model", 5, "Chargement du modèle de séparation..."}

	StepSeparatingUser     = Step{"separating_user", 10, "Séparation de votre voix..."}
	StepSeparatingUserDone = Step{"separating_user_done", 20, "Votre voix est isolée !"}

	StepSeparatingReference       = Step{"separating_reference", 25, "Séparation de la version originale..."}
	StepSeparatingReferenceCached = Step{"separating_reference", 35, "Version originale déjà prête !"}
	StepSeparatingReferenceDone   = Step{"separating_reference_done", 35, "Version originale prête !"}

	StepComputingSync     = Step{"computing_sync", 37, "Synchronisation des pistes..."}
	StepAnalyzingParallel = Step{"analyzing_parallel", 40, "Analyse de la justesse, du rythme et des paroles..."}
	StepAnalysisDone      = Step{"analysis_done", 78, "Analyse terminée !"}

	StepCalculatingScores = Step{"calculating_scores", 80, "Calcul des scores..."}
	StepJuryDeliberation  = Step{"jury_deliberation", 85, "Le jury délibère..."}
	StepJuryVoting        = Step{"jury_voting", 95, "Le jury vote..."}
	StepCompleted         = Step{"completed", 100, "Résultats prêts !"}
)

// publish writes a running progress marker. Publishing is best-effort: a
// Redis hiccup must not abort an analysis, so failures are only logged.
func (p *Pipeline) publish(ctx context.Context, taskID string, s Step) {
	if taskID == "" {
		return
	}
	task := &session.Task{
		ID:      taskID,
		State:   session.TaskRunning,
		Step:    s.Name,
		Percent: s.Percent,
		Detail:  s.Detail,
	}
	if s == StepCompleted {
		task.State = session.TaskCompleted
	}
	if err := p.store.PutTask(ctx, task); err != nil {
		p.log.Warn("progress publish failed", "task_id", taskID, "step", s.Name, "error", err)
	}
}

// publishError marks the task failed with a short cause.
func (p *Pipeline) publishError(ctx context.Context, taskID, cause string) {
	if taskID == "" {
		return
	}
	task := &session.Task{
		ID:    taskID,
		State: session.TaskError,
		Error: cause,
	}
	if err := p.store.PutTask(ctx, task); err != nil {
		p.log.Warn("progress publish failed", "task_id", taskID, "error", err)
	}
}
