// Package models - Class label tables for detector outputs.
package models

import (
	"fmt"
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// OutputClass represents one detection label.
type OutputClass struct {
	// The integer index returned by the model.
	Index int `json:"index" yaml:"index"`
	// The human-readable label.
	Name string `json:"name" yaml:"name"`
}

// OutputClassSet ties a dataset to its list of labels.
type OutputClassSet struct {
	// Class set identifier, usually the dataset or file it was loaded from.
	Style string
	// Classes ordered by index. Indices need not be contiguous.
	Classes []OutputClass
	// nameToIdx for fast lookup by name
	nameToIdx map[string]int
	// idxToName for fast lookup by index
	idxToName map[int]string
}

// COCONames are the 80 COCO labels in the zero-based order detectors trained on COCO emit.
var COCONames = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog",
	"horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella",
	"handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite",
	"baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket", "bottle",
	"wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange",
	"broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "couch", "potted plant",
	"bed", "dining table", "toilet", "tv", "laptop", "mouse", "remote", "keyboard", "cell phone",
	"microwave", "oven", "toaster", "sink", "refrigerator", "book", "clock", "vase", "scissors",
	"teddy bear", "hair drier", "toothbrush",
}

// NewOutputClassSet creates a class set from zero-based names.
func NewOutputClassSet(style string, names []string) *OutputClassSet {
	set := &OutputClassSet{Style: style, Classes: make([]OutputClass, len(names))}
	for i, name := range names {
		set.Classes[i] = OutputClass{Index: i, Name: name}
	}
	set.BuildNameIndexMap()
	return set
}

// COCOClassSet returns the COCO label set.
func COCOClassSet() *OutputClassSet {
	return NewOutputClassSet("coco", COCONames)
}

// BuildNameIndexMap builds or rebuilds the lookup maps.
func (s *OutputClassSet) BuildNameIndexMap() {
	s.nameToIdx = make(map[string]int, len(s.Classes))
	s.idxToName = make(map[int]string, len(s.Classes))
	for _, c := range s.Classes {
		s.nameToIdx[c.Name] = c.Index
		s.idxToName[c.Index] = c.Name
	}
}

// Len returns the number of labels.
func (s *OutputClassSet) Len() int {
	return len(s.Classes)
}

// Name returns the label of a class index, or FallbackName(idx) when the index is unknown.
// A nil set names every class with FallbackName.
func (s *OutputClassSet) Name(idx int) string {
	if s != nil {
		if name, ok := s.idxToName[idx]; ok {
			return name
		}
	}
	return FallbackName(idx)
}

// Index returns the class index for a label.
func (s *OutputClassSet) Index(name string) (int, error) {
	idx, ok := s.nameToIdx[name]
	if !ok {
		return -1, errors.Errorf("name %q not found in class set %q", name, s.Style)
	}
	return idx, nil
}

// FallbackName is the label of a class index with no known name.
func FallbackName(idx int) string {
	return fmt.Sprintf("class_%d", idx)
}

// ParseClassSet reads the `names` key of a dataset YAML document.
//
// Both forms written by common training tools are accepted:
//
//	names: [person, bicycle, car]
//
//	names:
//	  0: person
//	  1: bicycle
//
// Arguments:
//   - style: The identifier of the resulting set.
//   - data: The YAML document.
//
// Returns:
//   - *OutputClassSet: The parsed classes, ordered by index.
//   - error: If the document is invalid or has no names.
func ParseClassSet(style string, data []byte) (*OutputClassSet, error) {
	var doc struct {
		Names yaml.Node `yaml:"names"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse class names")
	}

	switch doc.Names.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := doc.Names.Decode(&names); err != nil {
			return nil, errors.Wrap(err, "failed to decode names list")
		}
		return NewOutputClassSet(style, names), nil

	case yaml.MappingNode:
		var byIndex map[int]string
		if err := doc.Names.Decode(&byIndex); err != nil {
			return nil, errors.Wrap(err, "failed to decode names map")
		}
		set := &OutputClassSet{Style: style, Classes: make([]OutputClass, 0, len(byIndex))}
		for idx, name := range byIndex {
			set.Classes = append(set.Classes, OutputClass{Index: idx, Name: name})
		}
		sort.Slice(set.Classes, func(i, j int) bool { return set.Classes[i].Index < set.Classes[j].Index })
		set.BuildNameIndexMap()
		return set, nil
	}

	return nil, errors.New("'names' not found in class file")
}

// LoadClassSet reads class names from a dataset YAML file.
func LoadClassSet(path string) (*OutputClassSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read class file %s", path)
	}
	set, err := ParseClassSet(path, data)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid class file %s", path)
	}
	return set, nil
}
