package util

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Struct tags recognized by RegisterFlags.
const (
	// TagDefault holds the default value of a field.
	TagDefault = "def"
	// TagHelp holds the command line help message of a field.
	TagHelp = "help"
	// TagOpt holds an optional one character short flag name.
	TagOpt = "opt"
	// TagSkip excludes a field, and its children for a struct field,
	// from registration.
	TagSkip = "skip"
	// TagHide registers the flag but hides it from the help output.
	// Hidden fields need no help message.
	TagHide = "hide"
)

// RegisterFlags walks the exported fields of a config struct and
// registers a flag for every leaf field, named after the lowercased,
// dot-joined field path ("tls.certfile") and bound to the viper key of
// the same name. The supported leaf types are the ones the fleet-ca
// config surface uses: string, int, bool, time.Duration and []string.
// Every visible leaf must carry a help tag.
func RegisterFlags(v *viper.Viper, flags *pflag.FlagSet, config interface{}) error {
	r := &flagRegistrar{flags: flags, viper: v}
	return walkFields(reflect.ValueOf(config).Elem(), "", r.register)
}

type flagField struct {
	path string
	typ  reflect.Type
	kind reflect.Kind
	addr interface{}
	tag  reflect.StructTag
}

type flagRegistrar struct {
	flags *pflag.FlagSet
	viper *viper.Viper
}

func (r *flagRegistrar) register(f *flagField) error {
	help := f.tag.Get(TagHelp)
	opt := f.tag.Get(TagOpt)
	def := f.tag.Get(TagDefault)
	hide := f.tag.Get(TagHide) == "true"

	if help == "" && !hide {
		return errors.Errorf("Field is missing a help tag: %s", f.path)
	}

	switch f.kind {
	case reflect.String:
		r.flags.StringVarP(f.addr.(*string), f.path, opt, def, help)
	case reflect.Int:
		var intDef int
		if def != "" {
			var err error
			intDef, err = strconv.Atoi(def)
			if err != nil {
				return errors.Errorf("Invalid integer value in 'def' tag of %s field", f.path)
			}
		}
		r.flags.IntVarP(f.addr.(*int), f.path, opt, intDef, help)
	case reflect.Int64:
		// The only int64 leaves in the config are durations.
		d, ok := f.addr.(*time.Duration)
		if !ok {
			log.Debugf("Not registering flag for '%s': unsupported type %s", f.path, f.typ)
			return nil
		}
		var durDef time.Duration
		if def != "" {
			var err error
			durDef, err = time.ParseDuration(def)
			if err != nil {
				return errors.Errorf("Invalid duration value in 'def' tag of %s field", f.path)
			}
		}
		r.flags.DurationVarP(d, f.path, opt, durDef, help)
	case reflect.Bool:
		var boolDef bool
		if def != "" {
			var err error
			boolDef, err = strconv.ParseBool(def)
			if err != nil {
				return errors.Errorf("Invalid boolean value in 'def' tag of %s field", f.path)
			}
		}
		r.flags.BoolVarP(f.addr.(*bool), f.path, opt, boolDef, help)
	case reflect.Slice:
		if f.typ.Elem().Kind() != reflect.String {
			log.Debugf("Not registering flag for '%s': unsupported type %s", f.path, f.typ)
			return nil
		}
		r.flags.StringSliceVarP(f.addr.(*[]string), f.path, opt, nil, help)
	default:
		log.Debugf("Not registering flag for '%s': unsupported kind %s", f.path, f.kind)
		return nil
	}

	if hide {
		r.flags.MarkHidden(f.path)
	}

	flag := r.flags.Lookup(f.path)
	if flag == nil {
		return errors.Errorf("Failed to lookup flag '%s' after registering it", f.path)
	}
	return r.viper.BindPFlag(f.path, flag)
}

// walkFields recurses through the exported fields of a struct value,
// calling cb for every leaf. Struct and pointer fields are descended
// into; nil pointers are left alone since there is nothing addressable
// to bind a flag to.
func walkFields(v reflect.Value, prefix string, cb func(*flagField) error) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		vf := v.Field(i)
		tf := t.Field(i)
		if tf.PkgPath != "" {
			continue
		}
		if tf.Tag.Get(TagSkip) == "true" {
			continue
		}

		path := strings.ToLower(tf.Name)
		if prefix != "" {
			path = fmt.Sprintf("%s.%s", prefix, path)
		}

		switch vf.Kind() {
		case reflect.Struct:
			if err := walkFields(vf, path, cb); err != nil {
				return err
			}
		case reflect.Ptr:
			if vf.IsNil() {
				continue
			}
			if err := walkFields(vf.Elem(), path, cb); err != nil {
				return err
			}
		default:
			err := cb(&flagField{
				path: path,
				typ:  tf.Type,
				kind: vf.Kind(),
				addr: vf.Addr().Interface(),
				tag:  tf.Tag,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}
