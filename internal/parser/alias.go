package parser

// aliasSet maps a canonical field's accepted synonym keys to whichever
// key actually showed up in a document. Declared as ordered slices (not
// maps) so the first-wins resolution below is reproducible.
var (
	targetDeviceAliases = []string{"target_device", "target_dev", "dev", "node"}
	ioKindAliases       = []string{"io_kind", "io"}
	ioIDAliases         = []string{"io_id", "channel", "ch"}
	actionAliases       = []string{"action"}
	correlationAliases  = []string{"correlation_id", "corr_id"}
	topicHintAliases    = []string{"topic_hint"}
	rampAliases         = []string{"ramp_ms", "ramp"}
	debounceAliases     = []string{"debounce_ms", "debounce"}

	// inputKeys, if any is present, signal an INPUT-kind message when
	// io_kind is omitted (a report of the current logical level).
	inputInferenceKeys = []string{"value", "level", "report_value"}
	// pwmKeys, if any is present, signal a PWM-kind message when io_kind
	// is omitted.
	pwmInferenceKeys = []string{"brightness", "brightness_percent", "duty"}
)

// durationAlias names one of the several duration synonyms and the
// millisecond multiplier that converts its raw numeric value.
type durationAlias struct {
	key        string
	multiplier int
}

// durationAliases lists every accepted duration-like key for
// params.duration_ms, in resolution order. Multiple aliases may appear
// in one document only if they agree once converted to milliseconds.
var durationAliases = []durationAlias{
	{"duration_ms", 1},
	{"duration_s", 1000},
	{"duration", 1000},
	{"minutes", 60000},
}

// firstPresent returns the first key from keys present in doc, and
// whether one was found.
func firstPresent(doc map[string]interface{}, keys []string) (string, bool) {
	for _, k := range keys {
		if _, ok := doc[k]; ok {
			return k, true
		}
	}
	return "", false
}

// anyPresent reports whether any of keys is present in doc.
func anyPresent(doc map[string]interface{}, keys []string) bool {
	_, ok := firstPresent(doc, keys)
	return ok
}
