package roles

// Built-in role ids.
const (
	DefaultRole = "Default"
	RoleA       = "RoleA"
	RoleB       = "RoleB"
	RoleC       = "RoleC"
	RoleD       = "RoleD"
	RoleE       = "RoleE"
	Operator    = "Operator"
)

const defaultVoice = "shimmer"

const menuInstructions = `次の案内をそのまま読み上げてください。
「コールセンターにお電話いただきありがとうございます。
日本語の AI アシスタントと会話をする場合は 1 を、
英語の AI アシスタントと会話をする場合は 2 を、
日本人のオペレーターと会話をする場合は 3 を、
担当者におつなぎする場合は 4 を、
通話を終了する場合は 5 を、
英語のオペレーターと会話をする場合は 6 を入力してください。」`

// DefaultRoles returns the stock directory contents. operatorNumber is the
// transfer target of the human operator role.
func DefaultRoles(operatorNumber string) []Role {
	return []Role{
		{
			ID:           DefaultRole,
			WorkerID:     "worker-0",
			Voice:        defaultVoice,
			Instructions: menuInstructions,
		},
		{
			ID:       RoleA,
			WorkerID: "worker-1",
			Voice:    defaultVoice,
			Instructions: "あなたは日本語の AI アシスタントです。\n" +
				"ユーザーからの質問にわかりやすく丁寧に回答してください。\n" +
				"最初に「お電話代わりました。AI アシスタントです。ご用件をお伺いいたします。」と言ってください。",
		},
		{
			ID:       RoleB,
			WorkerID: "worker-2",
			Voice:    defaultVoice,
			Instructions: "You are an English AI assistant working in a call center, answering questions from callers.\n" +
				"Start by saying 'Hello, I am an AI assistant. How can I help you?'.",
		},
		{
			ID:       RoleC,
			WorkerID: "worker-3",
			Voice:    defaultVoice,
			Instructions: "あなたは日本人のオペレーターです。\n" +
				"ユーザーからの質問にわかりやすく丁寧に回答してください。\n" +
				"最初に「お電話代わりました。オペレーターの山田です。ご用件をお伺いいたします。」と言ってください。",
		},
		{
			ID:       RoleD,
			WorkerID: "worker-4",
			Voice:    defaultVoice,
			Instructions: "You are an English operator working in a call center, answering questions from callers.\n" +
				"Start by saying 'Hello, I am operator Emma. How can I help you?'.",
		},
		{
			ID:           RoleE,
			WorkerID:     "worker-5",
			Voice:        defaultVoice,
			Instructions: "「お電話ありがとうございました。通話を終了しますので、電話をお切りください。」と言ってください。",
		},
		{
			ID:         Operator,
			Kind:       KindHuman,
			TransferTo: operatorNumber,
		},
	}
}

// DefaultTones is the stock keypad layout.
func DefaultTones() map[string]string {
	return map[string]string{
		"1": RoleA,
		"2": RoleB,
		"3": RoleC,
		"4": Operator,
		"5": RoleE,
		"6": RoleD,
	}
}

// NewDefault builds the stock directory.
func NewDefault(operatorNumber string) (*Directory, error) {
	return New(DefaultRole, DefaultRoles(operatorNumber), DefaultTones())
}
