// Package task manages background job queuing, processing, and lifecycle.
//
// A Processor runs a fixed pool of workers that poll a TaskStore, claim one
// pending task at a time, run it through an Executor under a per-task
// deadline and record exactly one outcome: completed, failed, or
// paused_token_limit when a provider reports a usage limit. Paused tasks are
// returned to pending by the Resumer; tasks abandoned by a crashed worker are
// returned to pending by the Reaper once their lease expires.
package task
