package models

// 进程内信号，经 util.Sig() 派发
const (
	// SigProfileDeleted sender: profile id (string)
	SigProfileDeleted = "profile.deleted"
	// SigProfileReady sender: *VoiceProfile after training→ready
	SigProfileReady = "profile.ready"
)
