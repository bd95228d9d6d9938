package jarvis

import "fmt"

// Helper tool paths handed to the CLI inside the planning prompt. The
// CLI calls these to read and update the plan for its session.
const (
	updatePlanTool = "jarvis-update-plan"
	viewPlanTool   = "jarvis-view-plan"
)

const planningIntroInitial = "Jarvis mode is now enabled for this session."

const planningIntroPostExecution = "The execution pass has finished and this session is back in planning mode. Summarize what was done in one or two sentences, then continue planning."

const planningBody = `%s

Session id: %s

The user is not looking at the screen. They hear your responses read
aloud, so keep every reply brief and conversational. One or two short
sentences per turn.

You are in PLANNING mode. Discuss the work with the user and maintain a
plan of what to implement. Do not implement anything yet.

Plan tools for this session:
- update the plan: %s --session %s
- view the plan:   %s --session %s

When the user asks you to start implementing, call the execute_plan
tool. Do not call it unless the user clearly asks.`

const executionBody = `Mode: execution
Session id: %s

Implement the following plan in one thorough pass. Work through every
item completely. Do not ask for confirmation; the user has already
approved this plan.

Plan:
%s`

// planningPrompt builds the prompt injected on enable (initial) and on
// automatic return from execution (post-execution).
func planningPrompt(sessionID string, postExecution bool) string {
	intro := planningIntroInitial
	if postExecution {
		intro = planningIntroPostExecution
	}
	return fmt.Sprintf(planningBody, intro, sessionID,
		updatePlanTool, sessionID, viewPlanTool, sessionID)
}

// ExecutionPrompt builds the one-shot implementation prompt carrying
// the plan text verbatim.
func ExecutionPrompt(sessionID, plan string) string {
	return fmt.Sprintf(executionBody, sessionID, plan)
}
