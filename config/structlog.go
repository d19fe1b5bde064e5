package config

import (
	"fmt"
	"reflect"
	"regexp"

	"github.com/golang/glog"
)

type logMsg func(string, ...interface{})

var mapregex = regexp.MustCompile(`mapstructure:"([^"]+)"`)
var blocklistregexp = []*regexp.Regexp{
	regexp.MustCompile("password"),
}

// logGeneral will log nearly anything using glog.Info
func logGeneral(v reflect.Value, prefix string) {
	logGeneralWithLogger(v, prefix, glog.Infof)
}

func logGeneralWithLogger(v reflect.Value, prefix string, logger logMsg) {
	switch v.Kind() {
	case reflect.Struct:
		logStructWithLogger(v, prefix, logger)
	case reflect.Map:
		logMapWithLogger(v, prefix, logger)
	default:
		logger("%s%v", prefix, v)
	}
}

func logStructWithLogger(v reflect.Value, prefix string, logger logMsg) {
	for i := 0; i < v.NumField(); i++ {
		fieldname := fieldNameByTag(v.Type().Field(i))
		if !allowedName(fieldname) {
			logger("%s%s: <REDACTED>", prefix, fieldname)
			continue
		}
		switch v.Field(i).Kind() {
		case reflect.Struct:
			logStructWithLogger(v.Field(i), prefix+fieldname+".", logger)
		case reflect.Map:
			logMapWithLogger(v.Field(i), prefix+fieldname, logger)
		default:
			logger("%s%s: %v", prefix, fieldname, v.Field(i))
		}
	}
}

func logMapWithLogger(v reflect.Value, prefix string, logger logMsg) {
	for _, k := range v.MapKeys() {
		if k.Kind() == reflect.String && !allowedName(k.String()) {
			logger("%s[%s]: <REDACTED>", prefix, k.String())
			continue
		}
		value := v.MapIndex(k)
		if value.Kind() == reflect.Struct {
			logStructWithLogger(value, fmt.Sprintf("%s[%v].", prefix, k), logger)
		} else {
			logGeneralWithLogger(value, fmt.Sprintf("%s[%v]: ", prefix, k), logger)
		}
	}
}

func fieldNameByTag(f reflect.StructField) string {
	match := mapregex.FindStringSubmatch(string(f.Tag))
	if match == nil || len(match) < 2 {
		return "((" + f.Name + "))"
	}
	return match[1]
}

func allowedName(name string) bool {
	for _, r := range blocklistregexp {
		if r.MatchString(name) {
			return false
		}
	}
	return true
}
