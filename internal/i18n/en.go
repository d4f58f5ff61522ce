package i18n

// EnMessages English message catalog
var EnMessages = map[string]string{
	// UI - Panel titles
	"panel.chat":      "Chat",
	"panel.queue":     "Queue",
	"panel.processes": "Processes",
	"panel.todo":      "Todo",

	// UI - Labels
	"label.user":      "You",
	"label.assistant": "Assistant",
	"label.tool":      "tool %s",
	"label.load_more": "↑ earlier messages (ctrl+u)",
	"label.model":     "Model",
	"label.chat":      "Chat",

	// UI - Status bar
	"status.ready":     "Ready",
	"status.streaming": "Streaming...",
	"status.resuming":  "Resuming stream...",
	"status.stopped":   "Generation stopped",

	// UI - Mode
	"mode.ask":     "ask",
	"mode.agent":   "agent",
	"mode.changed": "Mode: %s",

	// UI - Input
	"input.placeholder":       "Type a message... (Enter to send)",
	"input.queue_placeholder": "Streaming; Enter queues the message",
	"input.edit_placeholder":  "Editing message; Enter resubmits",

	// UI - Keybindings (TUI)
	"keys.tab":    "tab mode",
	"keys.esc":    "esc stop",
	"keys.ctrl_r": "ctrl+r regenerate",
	"keys.ctrl_e": "ctrl+e edit last",

	// Processes
	"proc.running":  "running",
	"proc.exited":   "exited",
	"proc.killing":  "killing...",
	"proc.mismatch": "pid reused by: %s",
	"proc.empty":    "No background processes",

	// Queue / Todo
	"queue.empty":  "Queue is empty",
	"queue.queued": "Queued: %s",
	"todo.empty":   "No todos",

	// Toasts
	"toast.edit_failed":       "Could not edit the message; the conversation was left unchanged",
	"toast.send_failed":       "Message could not be sent",
	"toast.regenerate_failed": "Could not regenerate the response",
	"toast.rate_limited":      "Rate limited by the provider; try again shortly",
	"toast.token_limit":       "The conversation is too long for the model's context",
	"toast.queue_agent_only":  "Messages can only be queued in agent mode",
	"toast.network":           "Network error; check the connection and retry",
	"toast.kill_failed":       "Could not stop the process",

	// Commands
	"cmd.help":    "Show available commands",
	"cmd.new":     "Start a new chat",
	"cmd.chats":   "List chats",
	"cmd.open":    "Open a chat by id",
	"cmd.stop":    "Stop the running response",
	"cmd.edit":    "Edit a user message: /edit <id> <text>",
	"cmd.regen":   "Regenerate the last response",
	"cmd.queue":   "Show queued messages",
	"cmd.sendnow": "Send a queued message now: /sendnow <id>",
	"cmd.drop":    "Delete a queued message: /drop <id>",
	"cmd.ps":      "List tracked processes",
	"cmd.kill":    "Stop a tracked process: /kill <pid>",
	"cmd.mode":    "Switch mode: /mode ask|agent",
	"cmd.more":    "Load earlier messages",
	"cmd.todos":   "Show the todo list",
	"cmd.model":   "Switch model: /model <name>",
	"cmd.exit":    "Exit application",

	// REPL
	"repl.welcome": "chatsync | chat %s | mode %s | /help for commands",
	"repl.bye":     "Bye.",

	// Errors
	"error.provider":        "Provider error: %s",
	"error.unknown_command": "Unknown command: %s",
	"error.usage":           "Usage: %s",
}
