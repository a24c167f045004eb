package eventbus

import "time"

// Topic identifies a logical channel on the bus. Topic strings double as the
// event channel names pushed to webview subscribers, so renaming one is a
// breaking change for installed tools.
type Topic string

const (
	TopicTokenExpired Topic = "token-expired"

	TopicToolUpdateStarted   Topic = "tool:update-started"
	TopicToolUpdateCompleted Topic = "tool:update-completed"

	TopicUpdateChecking         Topic = "update-checking"
	TopicUpdateAvailable        Topic = "update-available"
	TopicUpdateNotAvailable     Topic = "update-not-available"
	TopicUpdateDownloadProgress Topic = "update-download-progress"
	TopicUpdateDownloaded       Topic = "update-downloaded"
	TopicUpdateError            Topic = "update-error"

	TopicModalOpened  Topic = "modal-window:opened"
	TopicModalClosed  Topic = "modal-window:closed"
	TopicModalMessage Topic = "modal-window:message"

	TopicDeviceCodeShow  Topic = "show-device-code-dialog"
	TopicDeviceCodeClose Topic = "close-device-code-dialog"
	TopicAuthErrorShow   Topic = "show-auth-error-dialog"

	TopicLoadingShow Topic = "show-loading-screen"
	TopicLoadingHide Topic = "hide-loading-screen"
	TopicShowHome    Topic = "show-home-page"

	TopicToolbox Topic = "toolbox-event"

	TopicTerminalOutput           Topic = "terminal:output"
	TopicTerminalCommandCompleted Topic = "terminal:command:completed"

	TopicWindowOpened    Topic = "tool-window:opened"
	TopicWindowClosed    Topic = "tool-window:closed"
	TopicWindowActivated Topic = "tool-window:activated"
)

// AllTopics returns every declared channel name. The IPC layer uses it to
// fan events out to webview subscribers without naming each topic twice.
func AllTopics() []Topic {
	return []Topic{
		TopicTokenExpired,
		TopicToolUpdateStarted,
		TopicToolUpdateCompleted,
		TopicUpdateChecking,
		TopicUpdateAvailable,
		TopicUpdateNotAvailable,
		TopicUpdateDownloadProgress,
		TopicUpdateDownloaded,
		TopicUpdateError,
		TopicModalOpened,
		TopicModalClosed,
		TopicModalMessage,
		TopicDeviceCodeShow,
		TopicDeviceCodeClose,
		TopicAuthErrorShow,
		TopicLoadingShow,
		TopicLoadingHide,
		TopicShowHome,
		TopicToolbox,
		TopicTerminalOutput,
		TopicTerminalCommandCompleted,
		TopicWindowOpened,
		TopicWindowClosed,
		TopicWindowActivated,
	}
}

// Source describes which component produced an event.
type Source string

const (
	SourceAuthBroker    Source = "auth_broker"
	SourceInstaller     Source = "installer"
	SourceRegistry      Source = "registry"
	SourceWindowManager Source = "window_manager"
	SourceModalBroker   Source = "modal_broker"
	SourceTerminal      Source = "terminal_supervisor"
	SourceAPIBroker     Source = "api_broker"
	SourceSupervisor    Source = "supervisor"
	SourceUnknown       Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic         Topic
	Timestamp     time.Time
	Source        Source
	CorrelationID string
	Payload       any
}

// TokenExpiredEvent asks the UI to drive re-authentication for a connection.
type TokenExpiredEvent struct {
	ConnectionID   string `json:"connectionId"`
	ConnectionName string `json:"connectionName"`
}

// ToolUpdateEvent brackets the update window for a tool. isToolUpdating is
// true strictly between the started and completed events for the same id.
type ToolUpdateEvent struct {
	ToolID      string `json:"toolId"`
	FromVersion string `json:"fromVersion,omitempty"`
	ToVersion   string `json:"toVersion,omitempty"`
	Success     bool   `json:"success,omitempty"`
	Error       string `json:"error,omitempty"`
}

// UpdateStatusEvent reports shell auto-update phases. The shell updater is an
// external collaborator; only its event surface exists here.
type UpdateStatusEvent struct {
	Version string  `json:"version,omitempty"`
	Percent float64 `json:"percent,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// ModalLifecycleEvent announces modal window open/close transitions.
type ModalLifecycleEvent struct {
	ModalID string `json:"modalId"`
	Kind    string `json:"kind,omitempty"`
}

// ModalMessageEvent carries a message from modal content to its opener.
type ModalMessageEvent struct {
	ModalID string `json:"modalId"`
	Channel string `json:"channel"`
	Payload any    `json:"payload,omitempty"`
}

// DeviceCodeEvent tells the UI to display a device-code verification dialog.
type DeviceCodeEvent struct {
	ConnectionID    string `json:"connectionId"`
	UserCode        string `json:"userCode"`
	VerificationURL string `json:"verificationUrl"`
	Message         string `json:"message"`
	ExpiresIn       int    `json:"expiresIn"`
}

// AuthErrorEvent surfaces a terminal authentication failure to the UI.
type AuthErrorEvent struct {
	ConnectionID   string `json:"connectionId"`
	ConnectionName string `json:"connectionName"`
	Message        string `json:"message"`
}

// LoadingEvent toggles the blocking loading screen.
type LoadingEvent struct {
	Message string `json:"message,omitempty"`
}

// HomeEvent asks the UI to return to the home view.
type HomeEvent struct{}

// ToolboxEvent is the generic publish channel available to supervisor
// components that have no dedicated topic.
type ToolboxEvent struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// TerminalOutputEvent streams one chunk of child-shell output.
type TerminalOutputEvent struct {
	TerminalID string `json:"terminalId"`
	InstanceID string `json:"instanceId"`
	ToolID     string `json:"toolId"`
	Stream     string `json:"stream"` // stdout or stderr
	Data       []byte `json:"data"`
	Sequence   uint64 `json:"sequence"`
}

// TerminalCommandEvent reports completion of an explicit execute call.
type TerminalCommandEvent struct {
	TerminalID string `json:"terminalId"`
	InstanceID string `json:"instanceId"`
	CommandID  string `json:"commandId"`
	ExitCode   int    `json:"exitCode"`
}

// WindowEvent reports tool window lifecycle transitions.
type WindowEvent struct {
	InstanceID string `json:"instanceId"`
	ToolID     string `json:"toolId"`
	Title      string `json:"title,omitempty"`
}

// ---------------------------------------------------------------------------
// Typed topic descriptors
// ---------------------------------------------------------------------------
// Each TopicDef binds a Topic constant to its payload type, enabling
// compile-time enforcement via Publish[T] and SubscribeTo[T].

// Auth groups authentication topic descriptors.
var Auth = struct {
	TokenExpired    TopicDef[TokenExpiredEvent]
	DeviceCodeShow  TopicDef[DeviceCodeEvent]
	DeviceCodeClose TopicDef[DeviceCodeEvent]
	ErrorShow       TopicDef[AuthErrorEvent]
}{
	TokenExpired:    NewTopicDef[TokenExpiredEvent](TopicTokenExpired),
	DeviceCodeShow:  NewTopicDef[DeviceCodeEvent](TopicDeviceCodeShow),
	DeviceCodeClose: NewTopicDef[DeviceCodeEvent](TopicDeviceCodeClose),
	ErrorShow:       NewTopicDef[AuthErrorEvent](TopicAuthErrorShow),
}

// Tools groups tool install/update topic descriptors.
var Tools = struct {
	UpdateStarted   TopicDef[ToolUpdateEvent]
	UpdateCompleted TopicDef[ToolUpdateEvent]
}{
	UpdateStarted:   NewTopicDef[ToolUpdateEvent](TopicToolUpdateStarted),
	UpdateCompleted: NewTopicDef[ToolUpdateEvent](TopicToolUpdateCompleted),
}

// ShellUpdate groups shell auto-update topic descriptors.
var ShellUpdate = struct {
	Checking         TopicDef[UpdateStatusEvent]
	Available        TopicDef[UpdateStatusEvent]
	NotAvailable     TopicDef[UpdateStatusEvent]
	DownloadProgress TopicDef[UpdateStatusEvent]
	Downloaded       TopicDef[UpdateStatusEvent]
	Error            TopicDef[UpdateStatusEvent]
}{
	Checking:         NewTopicDef[UpdateStatusEvent](TopicUpdateChecking),
	Available:        NewTopicDef[UpdateStatusEvent](TopicUpdateAvailable),
	NotAvailable:     NewTopicDef[UpdateStatusEvent](TopicUpdateNotAvailable),
	DownloadProgress: NewTopicDef[UpdateStatusEvent](TopicUpdateDownloadProgress),
	Downloaded:       NewTopicDef[UpdateStatusEvent](TopicUpdateDownloaded),
	Error:            NewTopicDef[UpdateStatusEvent](TopicUpdateError),
}

// Modal groups modal window topic descriptors.
var Modal = struct {
	Opened  TopicDef[ModalLifecycleEvent]
	Closed  TopicDef[ModalLifecycleEvent]
	Message TopicDef[ModalMessageEvent]
}{
	Opened:  NewTopicDef[ModalLifecycleEvent](TopicModalOpened),
	Closed:  NewTopicDef[ModalLifecycleEvent](TopicModalClosed),
	Message: NewTopicDef[ModalMessageEvent](TopicModalMessage),
}

// UI groups shell chrome topic descriptors.
var UI = struct {
	LoadingShow TopicDef[LoadingEvent]
	LoadingHide TopicDef[LoadingEvent]
	ShowHome    TopicDef[HomeEvent]
	Toolbox     TopicDef[ToolboxEvent]
}{
	LoadingShow: NewTopicDef[LoadingEvent](TopicLoadingShow),
	LoadingHide: NewTopicDef[LoadingEvent](TopicLoadingHide),
	ShowHome:    NewTopicDef[HomeEvent](TopicShowHome),
	Toolbox:     NewTopicDef[ToolboxEvent](TopicToolbox),
}

// Terminal groups terminal topic descriptors.
var Terminal = struct {
	Output           TopicDef[TerminalOutputEvent]
	CommandCompleted TopicDef[TerminalCommandEvent]
}{
	Output:           NewTopicDef[TerminalOutputEvent](TopicTerminalOutput),
	CommandCompleted: NewTopicDef[TerminalCommandEvent](TopicTerminalCommandCompleted),
}

// Windows groups tool window topic descriptors.
var Windows = struct {
	Opened    TopicDef[WindowEvent]
	Closed    TopicDef[WindowEvent]
	Activated TopicDef[WindowEvent]
}{
	Opened:    NewTopicDef[WindowEvent](TopicWindowOpened),
	Closed:    NewTopicDef[WindowEvent](TopicWindowClosed),
	Activated: NewTopicDef[WindowEvent](TopicWindowActivated),
}
