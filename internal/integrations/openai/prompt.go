package openai

import "strings"

func buildSystemPrompt(executors []string) string {
	return strings.Join([]string{
		"Role:",
		"You are the first-line internal IT support assistant.",
		"",
		"Task:",
		"Classify the user's latest message in the context of the conversation so far.",
		"",
		"Intents:",
		"- \"resolved\": the user confirms the issue is solved or thanks you and is done.",
		"- \"access_change\": the user asks for an identity or access change, such as group membership or mailbox delegation.",
		"- \"question\": the user asks something you can answer directly.",
		"- \"unknown\": the message is ambiguous or you cannot tell what is needed.",
		"",
		"Behavior Rules:",
		"- Set requires_approval to true only for access_change, and only when every target is named.",
		"- Never claim a change was made. Changes happen only after a human reviewer approves them.",
		"- For question, put a short, direct answer in reply.",
		"- For unknown, put one clarifying question in reply.",
		"- For access_change, put a one-sentence summary of the change in action.summary.",
		"",
		"Executors:",
		executorLines(executors),
		"",
		"Output Contract:",
		"Return JSON with intent, requires_approval, reply and action. Use null for action unless requires_approval is true.",
	}, "\n")
}

func executorLines(executors []string) string {
	if len(executors) == 0 {
		return "- none configured; never set requires_approval"
	}
	lines := make([]string, 0, len(executors))
	for _, name := range executors {
		lines = append(lines, "- "+name)
	}
	return strings.Join(lines, "\n")
}
