package fhirmodels

// Common FHIR terminology constants used for vital-sign observations.

// Code systems.
const (
	SystemLOINC               = "http://loinc.org"
	SystemUCUM                = "http://unitsofmeasure.org"
	SystemObservationCategory = "http://terminology.hl7.org/CodeSystem/observation-category"
)

// ObservationStatus values per FHIR R4.
const (
	ObsStatusRegistered     = "registered"
	ObsStatusPreliminary    = "preliminary"
	ObsStatusFinal          = "final"
	ObsStatusAmended        = "amended"
	ObsStatusEnteredInError = "entered-in-error"
)

// ObservationCategory codes.
const (
	ObsCategoryVitalSigns = "vital-signs"
	ObsCategoryLaboratory = "laboratory"
	ObsCategorySurvey     = "survey"
)

// Vital-sign LOINC codes.
const (
	LOINCBloodPressurePanel  = "85354-9"
	LOINCSystolic            = "8480-6"
	LOINCDiastolic           = "8462-4"
	LOINCHeartRateSitting    = "69000-8"
	LOINCHeartRate           = "8867-4"
	LOINCRespiratoryRate     = "9279-1"
	LOINCOralTemperature     = "8331-1"
	LOINCBodyTemperature     = "8310-5"
	LOINCOxygenSaturation    = "59408-5"
	LOINCOxygenSaturationArt = "2708-6"
)

// UCUM unit codes.
const (
	UCUMMillimeterMercury = "mm[Hg]"
	UCUMBeatsPerMinute    = "{beats}/min"
	UCUMPerMinute         = "/min"
	UCUMCelsius           = "Cel"
	UCUMFahrenheit        = "[degF]"
	UCUMPercent           = "%"
)

// ExtensionTranslation is the core extension used to carry the value as
// originally entered when it was converted before storage.
const ExtensionTranslation = "http://hl7.org/fhir/StructureDefinition/translation"
