package program

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/afero"
)

// Decode errors. A program that fails with any of them must not be executed.
var (
	ErrMalformed           = errors.New("program is not a valid document")
	ErrMissingVersion      = errors.New("version not found")
	ErrMissingBody         = errors.New("program body not found")
	ErrMissingCommandCount = errors.New("'commands_len' parameter not found in program body")
	ErrInvalidCommand      = errors.New("invalid command")
	ErrUnknownCommand      = errors.New("command not found")
	ErrEmptyProgram        = errors.New("program has no commands")
)

const schemaURL = "program.schema.json"

// documentSchema checks the shape of the document once the required keys are known to exist.
const documentSchema = `{
  "type": "object",
  "properties": {
    "version": {"type": ["string", "number"]},
    "program_body": {
      "type": "object",
      "properties": {
        "commands_len": {"type": "integer", "minimum": 0},
        "commands_list": {
          "type": "array",
          "items": {"type": ["array", "object", "null"]}
        }
      }
    }
  }
}`

var schema = jsonschema.MustCompileString(schemaURL, documentSchema)

type document struct {
	Version json.RawMessage `json:"version"`
	Body    struct {
		CommandsLen  int               `json:"commands_len"`
		CommandsList []json.RawMessage `json:"commands_list"`
	} `json:"program_body"`
}

// objectEntry is the host application's command encoding.
type objectEntry struct {
	Command *string       `json:"command"`
	Args    []interface{} `json:"args"`
}

// Decode parses a program document. The document is an object with a "version" and a
// "program_body" holding "commands_len" and "commands_list". Each list entry is either a tuple
// [name, arg1?, arg2?, arg3?] or an object {"command": name, "args": [...]}. Missing or
// non-numeric arguments default to 0. Any other defect rejects the whole program.
func Decode(data []byte) (*Program, error) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	top, ok := raw.(map[string]interface{})
	if !ok {
		return nil, errors.Wrap(ErrMalformed, "top level must be an object")
	}
	if _, ok := top["version"]; !ok {
		return nil, ErrMissingVersion
	}
	body, ok := top["program_body"]
	if !ok {
		return nil, ErrMissingBody
	}
	if bodyObj, ok := body.(map[string]interface{}); ok {
		if _, ok := bodyObj["commands_len"]; !ok {
			return nil, ErrMissingCommandCount
		}
	}
	if err := schema.Validate(raw); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}

	if n := len(doc.Body.CommandsList); doc.Body.CommandsLen > n {
		return nil, errors.Wrapf(ErrInvalidCommand, "command %d is missing", n)
	}

	p := &Program{
		Version:  decodeVersion(doc.Version),
		Commands: make([]Command, 0, doc.Body.CommandsLen),
	}
	for i := 0; i < doc.Body.CommandsLen; i++ {
		cmd, err := decodeEntry(doc.Body.CommandsList[i])
		if err != nil {
			return nil, errors.Wrapf(err, "command %d", i)
		}
		p.Commands = append(p.Commands, cmd)
	}
	if len(p.Commands) == 0 {
		return nil, ErrEmptyProgram
	}
	return p, nil
}

func decodeVersion(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func decodeEntry(raw json.RawMessage) (Command, error) {
	var (
		name *string
		args []interface{}
	)

	var tuple []interface{}
	if err := json.Unmarshal(raw, &tuple); err == nil && tuple != nil {
		if len(tuple) == 0 {
			return Command{}, ErrInvalidCommand
		}
		s, ok := tuple[0].(string)
		if !ok {
			return Command{}, ErrInvalidCommand
		}
		name, args = &s, tuple[1:]
	} else {
		var obj objectEntry
		if err := json.Unmarshal(raw, &obj); err != nil || obj.Command == nil {
			return Command{}, ErrInvalidCommand
		}
		name, args = obj.Command, obj.Args
	}

	code, ok := ParseCode(*name)
	if !ok {
		return Command{}, errors.Wrapf(ErrUnknownCommand, "%q", *name)
	}

	arg := func(i int) float64 {
		if i >= len(args) {
			return 0
		}
		if v, ok := args[i].(float64); ok {
			return v
		}
		return 0
	}

	cmd := Command{Code: code}
	switch code {
	case MoveUp, MoveDown:
		cmd.DistanceMM = arg(0)
		cmd.SpeedMMS = arg(1)
	case Idle:
		cmd.DurationUS = arg(0)
	}
	return cmd, nil
}

// Load reads and decodes the program stored at path.
func Load(fs afero.Fs, path string) (*Program, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening program file %s", path)
	}
	p, err := Decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "error decoding program file %s", path)
	}
	return p, nil
}
