package bdpt

import (
	"fmt"
	"io"
	"io/ioutil"
	"math"
	"sort"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Dictionary keys.
const (
	KeySamplesPerPixel        = "samplesPerPixel"
	KeyMaxSurfaceBounces      = "maxSurfaceBounces"
	KeyMaxDiffuseBounces      = "maxDiffuseBounces"
	KeyMaxSpecularBounces     = "maxSpecularBounces"
	KeyMaxTransmissionBounces = "maxTransmissionBounces"

	KeySampleGenerator    = "sampleGenerator"
	KeyFixedSeed          = "fixedSeed"
	KeyUseBSDFSampling    = "useBSDFSampling"
	KeyUseRussianRoulette = "useRussianRoulette"
	KeyUseNEE             = "useNEE"
	KeyUseMIS             = "useMIS"
	KeyMISHeuristic       = "misHeuristic"
	KeyMISPowerExponent   = "misPowerExponent"
	KeyEmissiveSampler    = "emissiveSampler"
	KeyLightBVHOptions    = "lightBVHOptions"

	KeyUseAlphaTest                 = "useAlphaTest"
	KeyAdjustShadingNormals         = "adjustShadingNormals"
	KeyMaxNestedMaterials           = "maxNestedMaterials"
	KeyUseLightsInDielectricVolumes = "useLightsInDielectricVolumes"
	KeyDisableCaustics              = "disableCaustics"
	KeySpecularRoughnessThreshold   = "specularRoughnessThreshold"
	KeyPrimaryLodMode               = "primaryLodMode"
	KeyLodBias                      = "lodBias"

	KeyOutputSize      = "outputSize"
	KeyFixedOutputSize = "fixedOutputSize"
	KeyColorFormat     = "colorFormat"

	KeyLightPassWidth         = "lightPassWidth"
	KeyLightPassHeight        = "lightPassHeight"
	KeyLogSubspaceSize        = "logSubspaceSize"
	KeyUseSubspaceWeights     = "useSubspaceWeights"
	KeyUseVertexMerge         = "useVertexMerge"
	KeyUseTemporalTree        = "useTemporalTree"
	KeyAccumulationCap        = "accumulationCap"
	KeyMergeRadiusScale       = "mergeRadiusScale"
	KeyMortonQuantLevels      = "mortonQuantLevels"
	KeyTreeWorkLoad           = "treeWorkLoad"
	KeyUseVariableSampleCount = "useVariableSampleCount"

	// Light BVH keys.
	KeyMaxTriangleCountPerLeaf = "maxTriangleCountPerLeaf"
	KeySplitHeuristic          = "splitHeuristic"
	KeyUseBoundingCone         = "useBoundingCone"
	KeyUseLightingCone         = "useLightingCone"
)

// Dictionary is a string keyed configuration map.
type Dictionary map[string]interface{}

type optionSetter func(o *Options, key string, value interface{}) error

func uint32Setter(field func(o *Options) *uint32) optionSetter {
	return func(o *Options, key string, value interface{}) (err error) {
		*field(o), err = toUint32(key, value)
		return err
	}
}

func float32Setter(field func(o *Options) *float32) optionSetter {
	return func(o *Options, key string, value interface{}) (err error) {
		*field(o), err = toFloat32(key, value)
		return err
	}
}

func boolSetter(field func(o *Options) *bool) optionSetter {
	return func(o *Options, key string, value interface{}) (err error) {
		*field(o), err = toBool(key, value)
		return err
	}
}

func enumSetter(names []string, field func(o *Options) *uint8) optionSetter {
	return func(o *Options, key string, value interface{}) (err error) {
		*field(o), err = parseEnum(key, names, value)
		return err
	}
}

var optionSetters = map[string]optionSetter{
	KeySamplesPerPixel:        uint32Setter(func(o *Options) *uint32 { return &o.SamplesPerPixel }),
	KeyMaxSurfaceBounces:      uint32Setter(func(o *Options) *uint32 { return &o.MaxSurfaceBounces }),
	KeyMaxDiffuseBounces:      uint32Setter(func(o *Options) *uint32 { return &o.MaxDiffuseBounces }),
	KeyMaxSpecularBounces:     uint32Setter(func(o *Options) *uint32 { return &o.MaxSpecularBounces }),
	KeyMaxTransmissionBounces: uint32Setter(func(o *Options) *uint32 { return &o.MaxTransmissionBounces }),

	KeySampleGenerator: enumSetter(sampleGeneratorNames, func(o *Options) *uint8 { return (*uint8)(&o.SampleGenerator) }),
	KeyFixedSeed: func(o *Options, key string, value interface{}) (err error) {
		o.UseFixedSeed = true
		o.FixedSeed, err = toUint32(key, value)
		return err
	},
	KeyUseBSDFSampling:    boolSetter(func(o *Options) *bool { return &o.UseBSDFSampling }),
	KeyUseRussianRoulette: boolSetter(func(o *Options) *bool { return &o.UseRussianRoulette }),
	KeyUseNEE:             boolSetter(func(o *Options) *bool { return &o.UseNEE }),
	KeyUseMIS:             boolSetter(func(o *Options) *bool { return &o.UseMIS }),
	KeyMISHeuristic:       enumSetter(misHeuristicNames, func(o *Options) *uint8 { return (*uint8)(&o.MISHeuristic) }),
	KeyMISPowerExponent:   float32Setter(func(o *Options) *float32 { return &o.MISPowerExponent }),
	KeyEmissiveSampler:    enumSetter(emissiveSamplerNames, func(o *Options) *uint8 { return (*uint8)(&o.EmissiveSampler) }),
	KeyLightBVHOptions: func(o *Options, key string, value interface{}) error {
		return o.LightBVHOptions.fromDictionary(key, value)
	},

	KeyUseAlphaTest:                 boolSetter(func(o *Options) *bool { return &o.UseAlphaTest }),
	KeyAdjustShadingNormals:         boolSetter(func(o *Options) *bool { return &o.AdjustShadingNormals }),
	KeyMaxNestedMaterials:           uint32Setter(func(o *Options) *uint32 { return &o.MaxNestedMaterials }),
	KeyUseLightsInDielectricVolumes: boolSetter(func(o *Options) *bool { return &o.UseLightsInDielectricVolumes }),
	KeyDisableCaustics:              boolSetter(func(o *Options) *bool { return &o.DisableCaustics }),
	KeySpecularRoughnessThreshold:   float32Setter(func(o *Options) *float32 { return &o.SpecularRoughnessThreshold }),
	KeyPrimaryLodMode:               enumSetter(lodModeNames, func(o *Options) *uint8 { return (*uint8)(&o.PrimaryLodMode) }),
	KeyLodBias:                      float32Setter(func(o *Options) *float32 { return &o.LodBias }),

	KeyOutputSize: enumSetter(outputSizeNames, func(o *Options) *uint8 { return (*uint8)(&o.OutputSize) }),
	KeyFixedOutputSize: func(o *Options, key string, value interface{}) (err error) {
		o.FixedOutputSize, err = toUint2(key, value)
		return err
	},
	KeyColorFormat: enumSetter(colorFormatNames, func(o *Options) *uint8 { return (*uint8)(&o.ColorFormat) }),

	KeyLightPassWidth:         uint32Setter(func(o *Options) *uint32 { return &o.LightPassWidth }),
	KeyLightPassHeight:        uint32Setter(func(o *Options) *uint32 { return &o.LightPassHeight }),
	KeyLogSubspaceSize:        uint32Setter(func(o *Options) *uint32 { return &o.LogSubspaceSize }),
	KeyUseSubspaceWeights:     boolSetter(func(o *Options) *bool { return &o.UseSubspaceWeights }),
	KeyUseVertexMerge:         boolSetter(func(o *Options) *bool { return &o.UseVertexMerge }),
	KeyUseTemporalTree:        boolSetter(func(o *Options) *bool { return &o.UseTemporalTree }),
	KeyAccumulationCap:        float32Setter(func(o *Options) *float32 { return &o.AccumulationCap }),
	KeyMergeRadiusScale:       float32Setter(func(o *Options) *float32 { return &o.MergeRadiusScale }),
	KeyMortonQuantLevels:      uint32Setter(func(o *Options) *uint32 { return &o.MortonQuantLevels }),
	KeyTreeWorkLoad:           uint32Setter(func(o *Options) *uint32 { return &o.TreeWorkLoad }),
	KeyUseVariableSampleCount: boolSetter(func(o *Options) *bool { return &o.UseVariableSampleCount }),
}

// FromDictionary parses a configuration dictionary on top of the default
// options. Unknown keys are ignored with a warning; out of range values are
// clamped with a warning.
func FromDictionary(d Dictionary) (Options, error) {
	o := DefaultOptions()

	keys := make([]string, 0, len(d))
	for key := range d {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		setter, known := optionSetters[key]
		if !known {
			logger.Warningf("unknown option '%s' in dictionary", key)
			continue
		}
		if err := setter(&o, key, d[key]); err != nil {
			return o, err
		}
	}

	// An explicit surface bounce count provides the default for every other
	// bounce type; otherwise it covers all of them.
	_, surfaceSet := d[KeyMaxSurfaceBounces]
	if surfaceSet {
		for _, b := range []struct {
			key   string
			value *uint32
		}{
			{KeyMaxDiffuseBounces, &o.MaxDiffuseBounces},
			{KeyMaxSpecularBounces, &o.MaxSpecularBounces},
			{KeyMaxTransmissionBounces, &o.MaxTransmissionBounces},
		} {
			if _, set := d[b.key]; !set {
				*b.value = o.MaxSurfaceBounces
			}
		}
	} else {
		o.MaxSurfaceBounces = o.minSurfaceBounces()
	}

	o.validate()
	return o, nil
}

// ToDictionary serializes the options. Conditional keys are only emitted
// when they apply.
func (o Options) ToDictionary() Dictionary {
	d := Dictionary{
		KeySamplesPerPixel:        o.SamplesPerPixel,
		KeyMaxSurfaceBounces:      o.MaxSurfaceBounces,
		KeyMaxDiffuseBounces:      o.MaxDiffuseBounces,
		KeyMaxSpecularBounces:     o.MaxSpecularBounces,
		KeyMaxTransmissionBounces: o.MaxTransmissionBounces,

		KeySampleGenerator:    o.SampleGenerator.String(),
		KeyUseBSDFSampling:    o.UseBSDFSampling,
		KeyUseRussianRoulette: o.UseRussianRoulette,
		KeyUseNEE:             o.UseNEE,
		KeyUseMIS:             o.UseMIS,
		KeyMISHeuristic:       o.MISHeuristic.String(),
		KeyMISPowerExponent:   o.MISPowerExponent,
		KeyEmissiveSampler:    o.EmissiveSampler.String(),

		KeyUseAlphaTest:                 o.UseAlphaTest,
		KeyAdjustShadingNormals:         o.AdjustShadingNormals,
		KeyMaxNestedMaterials:           o.MaxNestedMaterials,
		KeyUseLightsInDielectricVolumes: o.UseLightsInDielectricVolumes,
		KeyDisableCaustics:              o.DisableCaustics,
		KeySpecularRoughnessThreshold:   o.SpecularRoughnessThreshold,
		KeyPrimaryLodMode:               o.PrimaryLodMode.String(),
		KeyLodBias:                      o.LodBias,

		KeyOutputSize:  o.OutputSize.String(),
		KeyColorFormat: o.ColorFormat.String(),

		KeyLightPassWidth:         o.LightPassWidth,
		KeyLightPassHeight:        o.LightPassHeight,
		KeyLogSubspaceSize:        o.LogSubspaceSize,
		KeyUseSubspaceWeights:     o.UseSubspaceWeights,
		KeyUseVertexMerge:         o.UseVertexMerge,
		KeyUseTemporalTree:        o.UseTemporalTree,
		KeyAccumulationCap:        o.AccumulationCap,
		KeyMergeRadiusScale:       o.MergeRadiusScale,
		KeyMortonQuantLevels:      o.MortonQuantLevels,
		KeyTreeWorkLoad:           o.TreeWorkLoad,
		KeyUseVariableSampleCount: o.UseVariableSampleCount,
	}

	if o.UseFixedSeed {
		d[KeyFixedSeed] = o.FixedSeed
	}
	if o.EmissiveSampler == EmissiveLightBVH {
		d[KeyLightBVHOptions] = o.LightBVHOptions.toDictionary()
	}
	if o.OutputSize == OutputSizeFixed {
		d[KeyFixedOutputSize] = []uint32{o.FixedOutputSize[0], o.FixedOutputSize[1]}
	}
	return d
}

func (lo *LightBVHOptions) fromDictionary(key string, value interface{}) error {
	nested, err := toDictionary(key, value)
	if err != nil {
		return err
	}
	for nestedKey, nestedValue := range nested {
		fullKey := key + "." + nestedKey
		switch nestedKey {
		case KeyMaxTriangleCountPerLeaf:
			lo.MaxTriangleCountPerLeaf, err = toUint32(fullKey, nestedValue)
		case KeySplitHeuristic:
			var h uint8
			h, err = parseEnum(fullKey, splitHeuristicNames, nestedValue)
			lo.SplitHeuristic = SplitHeuristic(h)
		case KeyUseBoundingCone:
			lo.UseBoundingCone, err = toBool(fullKey, nestedValue)
		case KeyUseLightingCone:
			lo.UseLightingCone, err = toBool(fullKey, nestedValue)
		default:
			logger.Warningf("unknown option '%s' in dictionary", fullKey)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (lo LightBVHOptions) toDictionary() Dictionary {
	return Dictionary{
		KeyMaxTriangleCountPerLeaf: lo.MaxTriangleCountPerLeaf,
		KeySplitHeuristic:          lo.SplitHeuristic.String(),
		KeyUseBoundingCone:         lo.UseBoundingCone,
		KeyUseLightingCone:         lo.UseLightingCone,
	}
}

// LoadDictionary decodes a YAML document into a dictionary.
func LoadDictionary(r io.Reader) (Dictionary, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var raw map[string]interface{}
	if err = yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOption, err.Error())
	}

	d := make(Dictionary, len(raw))
	for key, value := range raw {
		d[key] = normalizeYAML(value)
	}
	return d, nil
}

// SaveDictionary encodes a dictionary as a YAML document.
func SaveDictionary(w io.Writer, d Dictionary) error {
	data, err := yaml.Marshal(map[string]interface{}(d))
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// normalizeYAML converts the generic maps produced by the YAML decoder into
// dictionaries.
func normalizeYAML(value interface{}) interface{} {
	switch v := value.(type) {
	case map[interface{}]interface{}:
		d := make(Dictionary, len(v))
		for key, nested := range v {
			d[fmt.Sprint(key)] = normalizeYAML(nested)
		}
		return d
	case map[string]interface{}:
		d := make(Dictionary, len(v))
		for key, nested := range v {
			d[key] = normalizeYAML(nested)
		}
		return d
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = normalizeYAML(item)
		}
		return out
	}
	return value
}

func toUint32(key string, value interface{}) (uint32, error) {
	var v float64
	switch t := value.(type) {
	case uint32:
		return t, nil
	case uint:
		v = float64(t)
	case uint8:
		return uint32(t), nil
	case uint16:
		return uint32(t), nil
	case uint64:
		v = float64(t)
	case int:
		v = float64(t)
	case int32:
		v = float64(t)
	case int64:
		v = float64(t)
	case float32:
		v = float64(t)
	case float64:
		v = t
	case string:
		parsed, err := strconv.ParseUint(t, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: '%s': expected an unsigned integer; got %q", ErrInvalidOption, key, t)
		}
		return uint32(parsed), nil
	default:
		return 0, fmt.Errorf("%w: '%s': expected an unsigned integer; got %T", ErrInvalidOption, key, value)
	}

	if v < 0 || v > math.MaxUint32 || v != math.Trunc(v) {
		return 0, fmt.Errorf("%w: '%s': value %v is not a valid unsigned integer", ErrInvalidOption, key, value)
	}
	return uint32(v), nil
}

func toFloat32(key string, value interface{}) (float32, error) {
	switch t := value.(type) {
	case float32:
		return t, nil
	case float64:
		return float32(t), nil
	case int:
		return float32(t), nil
	case int32:
		return float32(t), nil
	case int64:
		return float32(t), nil
	case uint:
		return float32(t), nil
	case uint32:
		return float32(t), nil
	case uint64:
		return float32(t), nil
	case string:
		parsed, err := strconv.ParseFloat(t, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: '%s': expected a number; got %q", ErrInvalidOption, key, t)
		}
		return float32(parsed), nil
	}
	return 0, fmt.Errorf("%w: '%s': expected a number; got %T", ErrInvalidOption, key, value)
}

func toBool(key string, value interface{}) (bool, error) {
	switch t := value.(type) {
	case bool:
		return t, nil
	case string:
		parsed, err := strconv.ParseBool(t)
		if err == nil {
			return parsed, nil
		}
	}
	return false, fmt.Errorf("%w: '%s': expected a boolean; got %v", ErrInvalidOption, key, value)
}

func toUint2(key string, value interface{}) ([2]uint32, error) {
	var out [2]uint32
	var items []interface{}
	switch t := value.(type) {
	case [2]uint32:
		return t, nil
	case []uint32:
		for _, item := range t {
			items = append(items, item)
		}
	case []int:
		for _, item := range t {
			items = append(items, item)
		}
	case []interface{}:
		items = t
	default:
		return out, fmt.Errorf("%w: '%s': expected a list of two unsigned integers; got %T", ErrInvalidOption, key, value)
	}

	if len(items) != 2 {
		return out, fmt.Errorf("%w: '%s': expected a list of two unsigned integers; got %d items", ErrInvalidOption, key, len(items))
	}
	for i, item := range items {
		v, err := toUint32(key, item)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

func toDictionary(key string, value interface{}) (Dictionary, error) {
	if d, ok := normalizeYAML(value).(Dictionary); ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: '%s': expected a dictionary; got %T", ErrInvalidOption, key, value)
}
