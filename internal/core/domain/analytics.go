package domain

// Action names an operation reported to analytics.
type Action string

const (
	ActionInit              Action = "Init"
	ActionInitPackages      Action = "InitPackages"
	ActionConnect           Action = "ConnectCoreAcc"
	ActionDisconnect        Action = "DisconnectCoreAcc"
	ActionForceDisconnect   Action = "ForceDisconnectCoreAcc"
	ActionForceUnpublish    Action = "ForceUnpublishCoreAcc"
	ActionGetAccPack        Action = "GetAccPack"
	ActionSignal            Action = "SignalCoreAcc"
	ActionStartCall         Action = "StartCallCoreAcc"
	ActionEndCall           Action = "EndCallCoreAcc"
	ActionToggleLocalAudio  Action = "ToggleLocalAudio"
	ActionToggleLocalVideo  Action = "ToggleLocalVideo"
	ActionToggleRemoteAudio Action = "ToggleRemoteAudio"
	ActionToggleRemoteVideo Action = "ToggleRemoteVideo"
	ActionSubscribe         Action = "SubscribeCoreAcc"
	ActionUnsubscribe       Action = "UnsubscribeCoreAcc"
)

// Variation is the outcome attached to an Action.
type Variation string

const (
	VariationAttempt Variation = "Attempt"
	VariationSuccess Variation = "Success"
	VariationFail    Variation = "Fail"
)

// SessionInfo identifies the session in analytics.
type SessionInfo struct {
	SessionID    string
	ConnectionID ConnectionID
	PartnerID    string
}
