package mower

// Symbolic status and error codes shared by the cloud protocol and the
// consumer-facing trigger surface. Codes are kept as strings so that the
// numeric cloud code space and the local controller's symbolic code space
// flow through the same matching logic.

// Wildcard matches any status, and any error except ErrorNone.
const (
	Wildcard  = "99"
	ErrorNone = "0"
)

// Cloud status codes.
const (
	StatusIdle          = "0"
	StatusHome          = "1"
	StatusStartSequence = "2"
	StatusLeavingHome   = "3"
	StatusFollowWire    = "4"
	StatusSearchingHome = "5"
	StatusSearchingWire = "6"
	StatusMowing        = "7"
	StatusOffline       = "98"
)

// StatusNames maps cloud status codes to display names.
var StatusNames = map[string]string{
	"99": "Any Status",
	"98": "Offline",
	"0":  "IDLE",
	"1":  "Home",
	"2":  "Start sequence",
	"3":  "Leaving home",
	"4":  "Follow wire",
	"5":  "Searching home",
	"6":  "Searching wire",
	"7":  "Mowing",
	"8":  "Recovering from lifted",
	"9":  "Recovering from trapped",
	"10": "Recovering from blocked blade",
	"11": "Debug",
	"12": "Remote control",
	"13": "Escape from off limits",
	"30": "Going home",
	"31": "Zone training",
	"32": "Edge cut",
	"33": "Searching zone",
	"34": "Pause",
}

// ErrorNames maps cloud error codes to display names. Code 10 ("trapped
// recovery timeout") overlaps in meaning with status 9 ("recovering from
// trapped"); the two code spaces are kept opaque and unmapped on purpose.
var ErrorNames = map[string]string{
	"99": "Any Error",
	"0":  "No error",
	"1":  "Trapped",
	"2":  "Lifted",
	"3":  "Wire missing",
	"4":  "Outside wire",
	"5":  "Raining",
	"6":  "Close door to mow",
	"7":  "Close door to go home",
	"8":  "Blade motor blocked",
	"9":  "Wheel motor blocked",
	"10": "Trapped recovery timeout",
	"11": "Upside down",
	"12": "Battery low",
	"13": "Reverse wire",
	"14": "Charge error",
	"15": "Timeout finding home",
	"16": "Mower locked",
	"17": "Battery over temperature",
	"18": "Dummy model",
	"19": "Battery trunk open timeout",
	"20": "Wire sync",
	"21": "Msg num",
}

// Cloud command codes.
const (
	CommandPoll            = 0
	CommandStart           = 1
	CommandStop            = 2
	CommandHome            = 3
	CommandZoneTraining    = 4
	CommandLock            = 5
	CommandUnlock          = 6
	CommandRestart         = 7
	CommandPauseFollowWire = 8
	CommandSafeHoming      = 9
	CommandEdgeCut         = 90
	CommandPartyModeOn     = 91
	CommandPartyModeOff    = 92
)

// CommandNames maps cloud command codes to display names.
var CommandNames = map[int]string{
	0:  "Poll",
	1:  "Start",
	2:  "Stop",
	3:  "Home",
	4:  "Start zone training",
	5:  "Lock",
	6:  "Unlock",
	7:  "Restart robot",
	8:  "Pause when follow wire",
	9:  "Safe homing",
	90: "Edge cut",
	91: "Enable party mode",
	92: "Disable party mode",
}

// Local controller status codes (symbolic).
const (
	LocalStatusIdle      = "IDLE"
	LocalStatusUndocking = "UNDOCKING"
	LocalStatusMowing    = "MOWING"
	LocalStatusDocking   = "DOCKING"
	LocalStatusRecording = "RECORDING"
	LocalStatusPause     = "PAUSE"
	LocalStatusSkip      = "SKIP"
)

// LocalStatusNames maps local controller status codes to display names.
var LocalStatusNames = map[string]string{
	"99":        "Any status",
	"98":        "Offline",
	"IDLE":      "Home",
	"UNDOCKING": "Leaving home",
	"MOWING":    "Mowing",
	"DOCKING":   "Going home",
	"RECORDING": "Area recording",
	"PAUSE":     "Pause",
	"SKIP":      "Skipping area",
}

// Local controller error codes, in derivation priority order (emergency
// first). Only one is surfaced at a time.
const (
	LocalErrorEmergency  = "EMERGENCY"
	LocalErrorGPS        = "GPS"
	LocalErrorOutsideMap = "OUTSIDE_MAP"
	LocalErrorBatteryLow = "BATTERY_LOW"
	LocalErrorCharge     = "CHARGE_ERROR"
)

// LocalErrorNames maps local controller error codes to display names.
var LocalErrorNames = map[string]string{
	"99":           "Any Error",
	"0":            "No error",
	"EMERGENCY":    "Emergency",
	"GPS":          "GPS inaccurate",
	"OUTSIDE_MAP":  "Outside map area",
	"BATTERY_LOW":  "Battery low",
	"CHARGE_ERROR": "Charge error",
}

// MatchStatus reports whether a status trigger registered for argCode fires
// for the observed code. The wildcard matches every status.
func MatchStatus(argCode, code string) bool {
	if argCode == Wildcard {
		return true
	}
	return argCode == code
}

// MatchError reports whether an error trigger registered for argCode fires
// for the observed code. The wildcard matches every error except "no error".
func MatchError(argCode, code string) bool {
	if argCode == Wildcard {
		return code != ErrorNone
	}
	return argCode == code
}
