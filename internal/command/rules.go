package command

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/MrWong99/decisions/internal/mode"
)

// Command identifiers of the built-in rule set. Mode transitions reuse the
// trigger names from package mode.
const (
	ChangeAgent   = "change_agent"
	CopyLastReply = "copy_last_reply"
	OpenSpotlight = "open_spotlight"
	OpenApp       = "open_app"
	PressKey      = "press_key"
	Keystroke     = "keystroke"
	MouseMove     = "mouse_move"
	MouseEdge     = "mouse_edge"
	Click         = "click"
	Scroll        = "scroll"
	Media         = "media"
	Volume        = "volume"
	Window        = "window"

	// TypeText and CopyToClipboard are issued by the dispatcher itself for
	// dictated and transcribed text; no rule resolves to them.
	TypeText        = "type_text"
	CopyToClipboard = "copy_to_clipboard"
)

// Priorities of the built-in rules.
const (
	PriorityTransition = 100
	PriorityAgent      = 50
	PrioritySpecific   = 30
	PriorityAction     = 20
	PriorityCatchAll   = 10
)

// ScreenEdgePercent is the inset, in percent of the screen size, used when
// moving the mouse to a screen edge.
const ScreenEdgePercent = 15

var (
	notIdle    = In(mode.Listening, mode.Dictation, mode.Transcription, mode.AgentConversation)
	listening  = In(mode.Listening)
	converse   = In(mode.Listening, mode.AgentConversation)
	uncaptured = In(mode.Idle, mode.Listening, mode.AgentConversation)
	captured   = In(mode.Dictation, mode.Transcription)
)

var numberWords = map[string]string{
	"one": "1", "two": "2", "three": "3", "four": "4", "five": "5", "six": "6",
	"seven": "7", "eight": "8", "nine": "9", "ten": "10", "eleven": "11", "twelve": "12",
}

// DefaultRules returns the built-in rule set in declaration order.
func DefaultRules() []Rule {
	return []Rule{
		NewRule(mode.StartListening, `(?:start|begin|resume) listening|wake up`, PriorityTransition, uncaptured).
			WithPhrases("start listening"),
		NewRule(mode.StopListening, `(?:stop|pause) listening`, PriorityTransition, notIdle).
			WithPhrases("stop listening"),
		NewRule(mode.Exit, `exit|goodbye|good bye|quit assistant`, PriorityTransition, uncaptured),
		NewRule(mode.Exit, `exit (?:dictation|transcription)(?: mode)?|quit assistant`, PriorityTransition, captured),
		NewRule(mode.Dictate, `(?:start )?dictat(?:e|ion)(?: mode)?`, PriorityTransition, In(mode.Idle, mode.Listening, mode.AgentConversation, mode.Dictation)).
			WithPhrases("dictate", "start dictation"),
		NewRule(mode.Transcribe, `(?:start )?transcri(?:be|ption)(?: mode)?`, PriorityTransition, In(mode.Idle, mode.Listening, mode.AgentConversation, mode.Transcription)).
			WithPhrases("transcribe", "start transcription"),
		NewRule(mode.EnterThis, `enter (?:this|that)`, PriorityTransition, AllModes).
			WithPhrases("enter this"),
		NewRule(mode.AgentActivate, `(?:talk to|activate|hey) (?:the )?(?:agent|assistant)|agent mode`, PriorityTransition, uncaptured).
			WithPhrases("activate agent", "agent mode"),
		NewRule(mode.StopSpeaking, `stop (?:speaking|talking)|(?:be )?quiet|shut up|silence|stop`, PriorityTransition, uncaptured).
			WithPhrases("stop speaking", "stop talking"),

		NewRule(ChangeAgent, `(?:change|switch) (?:the )?(?:agent|persona|assistant) to (?P<persona>.+)`, PriorityAgent, converse),
		NewRule(CopyLastReply, `copy (?:that|the (?:last )?(?:answer|reply|response))`, PriorityAgent, converse).
			WithPhrases("copy that"),

		NewRule(OpenSpotlight, `open (?:spotlight(?: search)?|search)|spotlight(?: search)?`, PrioritySpecific, listening).
			WithPhrases("open spotlight search"),
		NewRule(PressKey, `press (?:the )?(?P<key>f ?(?:\d{1,2}|`+strings.Join(numberAlternatives(), "|")+`)|enter|return|escape|tab|space|backspace|delete|up|down|left|right|home|end|page up|page down)(?: key)?`, PriorityAction, listening).
			WithExtract(extractKey),
		NewRule(Keystroke, `(?P<macro>copy|paste|cut|undo|redo|select all|save|new tab|find)(?: (?:this|it))?`, PriorityAction, listening),
		NewRule(MouseMove, `move (?:the )?mouse (?P<direction>up|down|left|right)(?: (?P<amount>\d+)(?: pixels)?)?`, PriorityAction, listening).
			WithExtract(withDefault("amount", "100")),
		NewRule(MouseEdge, `(?:move (?:the )?)?mouse to (?:the )?(?P<edge>top|bottom|left|right|center|centre)(?: edge| of the screen)?`, PriorityAction, listening).
			WithExtract(extractEdge),
		NewRule(Click, `(?P<double>double )?(?P<button>left |right |middle )?click`, PriorityAction, listening).
			WithExtract(extractClick),
		NewRule(Scroll, `scroll (?P<direction>up|down|left|right)(?: (?P<amount>\d+))?`, PriorityAction, listening).
			WithExtract(withDefault("amount", "5")),
		NewRule(Media, `(?P<action>play|pause|resume|next|previous|skip|mute|unmute)(?: (?:the )?(?:music|song|track|media|video))?`, PriorityAction, listening),
		NewRule(Volume, `(?:turn (?:the )?)?volume (?P<direction>up|down)`, PriorityAction, listening),
		NewRule(Window, `(?P<action>minimi[sz]e|maximi[sz]e|close|full ?screen|restore)(?: (?:the|this))? window`, PriorityAction, listening),

		NewRule(OpenApp, `(?:open|launch|start|focus(?: on)?|switch to) (?P<app>.+)`, PriorityCatchAll, listening),
	}
}

// Default builds a Table from DefaultRules.
func Default(opts ...Option) *Table {
	t, err := NewTable(DefaultRules(), opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// numberAlternatives returns the spelled-out numbers, longest first.
func numberAlternatives() []string {
	out := slices.Collect(maps.Keys(numberWords))
	slices.SortFunc(out, func(a, b string) int {
		if d := len(b) - len(a); d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	return out
}

// extractKey normalises "f 5", "f five" and "F5" to key=f5, number=5, and
// rejects function keys outside F1 to F12.
func extractKey(g map[string]string) (map[string]string, bool) {
	key := g["key"]
	if key == "return" {
		return map[string]string{"key": "enter"}, true
	}
	if !strings.HasPrefix(key, "f") || len(key) == 1 {
		return map[string]string{"key": key}, true
	}
	num := strings.TrimSpace(key[1:])
	if w, ok := numberWords[num]; ok {
		num = w
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 || n > 12 {
		return nil, false
	}
	return map[string]string{"key": "f" + strconv.Itoa(n), "number": strconv.Itoa(n)}, true
}

func extractEdge(g map[string]string) (map[string]string, bool) {
	edge := g["edge"]
	if edge == "centre" {
		edge = "center"
	}
	return map[string]string{"edge": edge, "percent": strconv.Itoa(ScreenEdgePercent)}, true
}

func extractClick(g map[string]string) (map[string]string, bool) {
	button := g["button"]
	if button == "" {
		button = "left"
	}
	return map[string]string{
		"button": button,
		"double": strconv.FormatBool(g["double"] != ""),
	}, true
}

func withDefault(name, value string) Extractor {
	return func(g map[string]string) (map[string]string, bool) {
		if _, ok := g[name]; !ok {
			g[name] = value
		}
		return g, true
	}
}
