package i18n

// ZhCNMessages 简体中文消息表
var ZhCNMessages = map[string]string{
	// UI - 面板标题
	"panel.chat":      "对话",
	"panel.queue":     "队列",
	"panel.processes": "进程",
	"panel.todo":      "待办",

	// UI - 标签
	"label.user":      "你",
	"label.assistant": "助手",
	"label.tool":      "工具 %s",
	"label.load_more": "↑ 更早的消息 (ctrl+u)",
	"label.model":     "模型",
	"label.chat":      "会话",

	// UI - 状态栏
	"status.ready":     "就绪",
	"status.streaming": "生成中...",
	"status.resuming":  "正在恢复流...",
	"status.stopped":   "已停止生成",

	// UI - 模式
	"mode.ask":     "问答",
	"mode.agent":   "代理",
	"mode.changed": "模式：%s",

	// UI - 输入
	"input.placeholder":       "输入消息...（回车发送）",
	"input.queue_placeholder": "正在生成；回车加入队列",
	"input.edit_placeholder":  "正在编辑消息；回车重新提交",

	// UI - 快捷键
	"keys.tab":    "tab 切换模式",
	"keys.esc":    "esc 停止",
	"keys.ctrl_r": "ctrl+r 重新生成",
	"keys.ctrl_e": "ctrl+e 编辑上一条",

	// 进程
	"proc.running":  "运行中",
	"proc.exited":   "已退出",
	"proc.killing":  "正在终止...",
	"proc.mismatch": "pid 已被复用：%s",
	"proc.empty":    "没有后台进程",

	// 队列 / 待办
	"queue.empty":  "队列为空",
	"queue.queued": "已加入队列：%s",
	"todo.empty":   "暂无待办",

	// 提示
	"toast.edit_failed":       "无法编辑消息，对话保持不变",
	"toast.send_failed":       "消息发送失败",
	"toast.regenerate_failed": "无法重新生成回复",
	"toast.rate_limited":      "请求过于频繁，请稍后重试",
	"toast.token_limit":       "对话超出模型上下文长度",
	"toast.queue_agent_only":  "仅代理模式下可以排队消息",
	"toast.network":           "网络错误，请检查连接后重试",
	"toast.kill_failed":       "无法终止该进程",

	// 命令
	"cmd.help":    "显示可用命令",
	"cmd.new":     "新建对话",
	"cmd.chats":   "列出对话",
	"cmd.open":    "按 id 打开对话",
	"cmd.stop":    "停止当前回复",
	"cmd.edit":    "编辑用户消息：/edit <id> <内容>",
	"cmd.regen":   "重新生成最后一条回复",
	"cmd.queue":   "查看排队消息",
	"cmd.sendnow": "立即发送排队消息：/sendnow <id>",
	"cmd.drop":    "删除排队消息：/drop <id>",
	"cmd.ps":      "列出跟踪的进程",
	"cmd.kill":    "终止跟踪的进程：/kill <pid>",
	"cmd.mode":    "切换模式：/mode ask|agent",
	"cmd.more":    "加载更早的消息",
	"cmd.todos":   "查看待办列表",
	"cmd.model":   "切换模型：/model <名称>",
	"cmd.exit":    "退出",

	// REPL
	"repl.welcome": "chatsync | 会话 %s | 模式 %s | /help 查看命令",
	"repl.bye":     "再见。",

	// 错误
	"error.provider":        "模型服务错误：%s",
	"error.unknown_command": "未知命令：%s",
	"error.usage":           "用法：%s",
}
