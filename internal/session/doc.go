// Package session runs one agent turn: the model is called repeatedly,
// the tools it requests are executed concurrently, and their results are
// fed back until the model answers in plain text or a budget runs out.
//
// A turn ends in one of four outcomes. Done means the model produced a
// final answer. StepBudgetExceeded means the model kept calling tools for
// the whole step budget. DeadlineExceeded means the wall-clock turn budget
// expired. FatalModelError means the model could not be reached; it is the
// only outcome returned together with an error.
package session
