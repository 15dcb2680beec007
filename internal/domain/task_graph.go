package domain

import "fmt"

var validTaskTransitions = map[[2]string]bool{
	{TaskPending, TaskAssigned}: true,
	{TaskPending, TaskBlocked}:  true,
	{TaskPending, TaskRunning}:  true, // direct dispatch
	{TaskAssigned, TaskRunning}: true,
	{TaskAssigned, TaskPending}: true, // unassign
	{TaskAssigned, TaskFailed}:  true, // spawn failed before running
	{TaskRunning, TaskDone}:     true,
	{TaskRunning, TaskFailed}:   true,
	{TaskFailed, TaskPending}:   true, // retry
	{TaskBlocked, TaskPending}:  true, // unblocked
}

// ValidateTaskTransition rejects status changes outside the task lifecycle.
// Same-status transitions are always allowed.
func ValidateTaskTransition(from, to string) error {
	if from == to {
		return nil
	}
	if validTaskTransitions[[2]string{from, to}] {
		return nil
	}
	return fmt.Errorf("invalid task status transition %s -> %s", from, to)
}

// HasCycle reports whether adding taskID with the given dependencies would
// close a cycle in the goal's dependency graph. allTasks maps task id to its
// depends_on set.
func HasCycle(taskID string, dependsOn []string, allTasks map[string][]string) bool {
	visited := map[string]bool{}
	stack := append([]string(nil), dependsOn...)
	for len(stack) > 0 {
		dep := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if dep == taskID {
			return true
		}
		if visited[dep] {
			continue
		}
		visited[dep] = true
		stack = append(stack, allTasks[dep]...)
	}
	return false
}
