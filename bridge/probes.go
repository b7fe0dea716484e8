package bridge

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/slighter12/unreal-bridge-go/script"
)

// EngineVersion is the parsed editor version.
type EngineVersion struct {
	Major int    `json:"major"`
	Minor int    `json:"minor"`
	Patch int    `json:"patch"`
	Full  string `json:"full"`
}

// AtLeast reports whether the version is major.minor or newer.
func (v EngineVersion) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

func (v EngineVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)

// ParseEngineVersion reads the leading major.minor[.patch] out of an engine version string such as
// "5.3.2-29314046+++UE5+Release-5.3".
func ParseEngineVersion(full string) (EngineVersion, error) {
	match := versionPattern.FindStringSubmatch(full)
	if match == nil {
		return EngineVersion{}, fmt.Errorf("unrecognised engine version %q", full)
	}
	v := EngineVersion{Full: strings.TrimSpace(full)}
	v.Major, _ = strconv.Atoi(match[1])
	v.Minor, _ = strconv.Atoi(match[2])
	if match[3] != "" {
		v.Patch, _ = strconv.Atoi(match[3])
	}
	return v, nil
}

const engineVersionScript = `import json
import unreal
try:
    version = unreal.SystemLibrary.get_engine_version()
    print('RESULT:' + json.dumps({'success': True, 'version': str(version)}))
except Exception as exc:
    print('RESULT:' + json.dumps({'success': False, 'error': str(exc)}))
`

// pluginStatusScript queries every name in one round trip.
func pluginStatusScript(names []string) script.Request {
	encoded, _ := json.Marshal(names)
	code := fmt.Sprintf(`import json
import unreal
names = json.loads(%s)
try:
    enabled = set(str(n) for n in unreal.PluginBlueprintLibrary.get_enabled_plugin_names())
    print('RESULT:' + json.dumps({'success': True, 'enabled': {n: n in enabled for n in names}}))
except Exception as exc:
    print('RESULT:' + json.dumps({'success': False, 'error': str(exc)}))
`, script.PythonLiteral(string(encoded)))
	return script.Request{Code: code, Mode: script.ModeFile, Label: "plugin_status"}
}
