package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// IssueKind tags an AgentIssue variant.
type IssueKind string

const (
	IssueChatTemplateDoesNotCompile   IssueKind = "chat_template_does_not_compile"
	IssueHuggingFaceCannotAcquireLock IssueKind = "hugging_face_cannot_acquire_lock"
	IssueHuggingFaceModelDoesNotExist IssueKind = "hugging_face_model_does_not_exist"
	IssueModelCannotBeLoaded          IssueKind = "model_cannot_be_loaded"
	IssueModelFileDoesNotExist        IssueKind = "model_file_does_not_exist"
	IssueSlotCannotStart              IssueKind = "slot_cannot_start"
	IssueUnableToFindChatTemplate     IssueKind = "unable_to_find_chat_template"
)

// AgentIssue is an operational problem recorded on an agent. It is a
// comparable value so it can be used directly as a set key; which fields are
// meaningful depends on Kind.
type AgentIssue struct {
	Kind IssueKind
	// Subject is the single payload of path/repo style variants.
	Subject         string
	Error           string
	TemplateContent string
	SlotIndex       int
}

func ChatTemplateDoesNotCompile(err, templateContent string) AgentIssue {
	return AgentIssue{Kind: IssueChatTemplateDoesNotCompile, Error: err, TemplateContent: templateContent}
}

func HuggingFaceCannotAcquireLock(lockPath string) AgentIssue {
	return AgentIssue{Kind: IssueHuggingFaceCannotAcquireLock, Subject: lockPath}
}

func HuggingFaceModelDoesNotExist(model string) AgentIssue {
	return AgentIssue{Kind: IssueHuggingFaceModelDoesNotExist, Subject: model}
}

func ModelCannotBeLoaded(modelPath string) AgentIssue {
	return AgentIssue{Kind: IssueModelCannotBeLoaded, Subject: modelPath}
}

func ModelFileDoesNotExist(modelPath string) AgentIssue {
	return AgentIssue{Kind: IssueModelFileDoesNotExist, Subject: modelPath}
}

func SlotCannotStart(slotIndex int, err string) AgentIssue {
	return AgentIssue{Kind: IssueSlotCannotStart, SlotIndex: slotIndex, Error: err}
}

func UnableToFindChatTemplate(modelPath string) AgentIssue {
	return AgentIssue{Kind: IssueUnableToFindChatTemplate, Subject: modelPath}
}

// String renders a short human readable description.
func (i AgentIssue) String() string {
	switch i.Kind {
	case IssueChatTemplateDoesNotCompile:
		return fmt.Sprintf("chat template does not compile: %s", i.Error)
	case IssueSlotCannotStart:
		return fmt.Sprintf("slot %d cannot start: %s", i.SlotIndex, i.Error)
	default:
		return fmt.Sprintf("%s: %s", i.Kind, i.Subject)
	}
}

// IsBlocking reports whether the issue keeps the agent out of dispatch. A
// single slot failing to start only lowers capacity.
func (i AgentIssue) IsBlocking() bool { return i.Kind != IssueSlotCannotStart }

// Less orders issues deterministically.
func (i AgentIssue) Less(o AgentIssue) bool {
	if i.Kind != o.Kind {
		return i.Kind < o.Kind
	}
	if i.Subject != o.Subject {
		return i.Subject < o.Subject
	}
	if i.SlotIndex != o.SlotIndex {
		return i.SlotIndex < o.SlotIndex
	}
	if i.Error != o.Error {
		return i.Error < o.Error
	}
	return i.TemplateContent < o.TemplateContent
}

type issueWire struct {
	Kind            IssueKind `json:"kind"`
	Error           *string   `json:"error,omitempty"`
	TemplateContent *string   `json:"template_content,omitempty"`
	LockPath        *string   `json:"lock_path,omitempty"`
	Model           *string   `json:"model,omitempty"`
	ModelPath       *string   `json:"model_path,omitempty"`
	SlotIndex       *int      `json:"slot_index,omitempty"`
}

func (i AgentIssue) MarshalJSON() ([]byte, error) {
	w := issueWire{Kind: i.Kind}
	switch i.Kind {
	case IssueChatTemplateDoesNotCompile:
		w.Error, w.TemplateContent = &i.Error, &i.TemplateContent
	case IssueHuggingFaceCannotAcquireLock:
		w.LockPath = &i.Subject
	case IssueHuggingFaceModelDoesNotExist:
		w.Model = &i.Subject
	case IssueModelCannotBeLoaded, IssueModelFileDoesNotExist, IssueUnableToFindChatTemplate:
		w.ModelPath = &i.Subject
	case IssueSlotCannotStart:
		w.SlotIndex, w.Error = &i.SlotIndex, &i.Error
	default:
		return nil, fmt.Errorf("unknown issue kind %q", i.Kind)
	}
	return json.Marshal(w)
}

func (i *AgentIssue) UnmarshalJSON(b []byte) error {
	var w issueWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	out := AgentIssue{Kind: w.Kind}
	switch w.Kind {
	case IssueChatTemplateDoesNotCompile:
		out.Error, out.TemplateContent = deref(w.Error), deref(w.TemplateContent)
	case IssueHuggingFaceCannotAcquireLock:
		out.Subject = deref(w.LockPath)
	case IssueHuggingFaceModelDoesNotExist:
		out.Subject = deref(w.Model)
	case IssueModelCannotBeLoaded, IssueModelFileDoesNotExist, IssueUnableToFindChatTemplate:
		out.Subject = deref(w.ModelPath)
	case IssueSlotCannotStart:
		out.Error = deref(w.Error)
		if w.SlotIndex != nil {
			out.SlotIndex = *w.SlotIndex
		}
	default:
		return fmt.Errorf("unknown issue kind %q", w.Kind)
	}
	*i = out
	return nil
}

// IssueSet is a set of issues.
type IssueSet map[AgentIssue]struct{}

// Sorted returns the members in deterministic order.
func (s IssueSet) Sorted() []AgentIssue {
	out := make([]AgentIssue, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Less(out[b]) })
	return out
}

// ApplicationStatus is where an agent is in applying its desired state.
type ApplicationStatus string

const (
	ApplicationPending     ApplicationStatus = "pending"
	ApplicationDownloading ApplicationStatus = "downloading"
	ApplicationApplying    ApplicationStatus = "applying"
	ApplicationApplied     ApplicationStatus = "applied"
	ApplicationFailed      ApplicationStatus = "failed"
)

// ModelReferenceKind selects where a model comes from.
type ModelReferenceKind string

const (
	ModelLocal       ModelReferenceKind = "local"
	ModelHuggingFace ModelReferenceKind = "huggingface"
)

// ModelReference points either at a local file or at a Hugging Face repo.
type ModelReference struct {
	Kind     ModelReferenceKind `json:"kind" yaml:"kind" toml:"kind"`
	Path     string             `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"`
	Repo     string             `json:"repo,omitempty" yaml:"repo,omitempty" toml:"repo,omitempty"`
	Revision string             `json:"revision,omitempty" yaml:"revision,omitempty" toml:"revision,omitempty"`
	Filename string             `json:"filename,omitempty" yaml:"filename,omitempty" toml:"filename,omitempty"`
}

func (r ModelReference) String() string {
	if r.Kind == ModelHuggingFace {
		rev := r.Revision
		if rev == "" {
			rev = "main"
		}
		return r.Repo + "@" + rev + "/" + r.Filename
	}
	return r.Path
}

// DesiredState is the externally declared target configuration for an agent.
type DesiredState struct {
	Model ModelReference `json:"model"`
	// Slots is the desired number of concurrent processing slots.
	Slots        int    `json:"slots"`
	ContextSize  int    `json:"context_size,omitempty"`
	ChatTemplate string `json:"chat_template,omitempty"`
	// UseModelChatTemplate requires the template to be found next to the model.
	UseModelChatTemplate bool `json:"use_model_chat_template,omitempty"`
}

// Validate checks that the desired state can be resolved at all.
func (d DesiredState) Validate() error {
	switch d.Model.Kind {
	case ModelLocal:
		if d.Model.Path == "" {
			return errors.New("local model requires a path")
		}
	case ModelHuggingFace:
		if d.Model.Repo == "" || d.Model.Filename == "" {
			return errors.New("huggingface model requires repo and filename")
		}
	default:
		return fmt.Errorf("unknown model kind %q", d.Model.Kind)
	}
	if d.Slots < 1 {
		return fmt.Errorf("slots must be at least 1, got %d", d.Slots)
	}
	if d.ContextSize < 0 {
		return fmt.Errorf("context size must not be negative, got %d", d.ContextSize)
	}
	return nil
}

// ApplicableState is the concrete configuration derived from a DesiredState.
type ApplicableState struct {
	ModelPath    string `json:"model_path"`
	Slots        int    `json:"slots"`
	ContextSize  int    `json:"context_size,omitempty"`
	ChatTemplate string `json:"chat_template,omitempty"`
}

// SlotSnapshot is a point-in-time copy of one agent's slot status.
type SlotSnapshot struct {
	DesiredSlotsTotal      int32             `json:"desired_slots_total"`
	DownloadCurrent        int64             `json:"download_current"`
	DownloadTotal          int64             `json:"download_total"`
	DownloadFilename       string            `json:"download_filename,omitempty"`
	Issues                 []AgentIssue      `json:"issues"`
	ModelPath              string            `json:"model_path,omitempty"`
	SlotsIdle              int32             `json:"slots_idle"`
	SlotsProcessing        int32             `json:"slots_processing"`
	SlotsTotal             int32             `json:"slots_total"`
	StateApplicationStatus ApplicationStatus `json:"state_application_status"`
	Version                int32             `json:"version"`
}

// AgentControllerSnapshot is the read view of one agent for external consumers.
type AgentControllerSnapshot struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	SlotSnapshot
}
